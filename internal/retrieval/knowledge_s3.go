package retrieval

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/AdrianFeng10086/RuralCareAI/pkg/logging"
)

const maxKnowledgeObjectBytes = 1 << 20

type s3KnowledgeAPI interface {
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3KnowledgeLoader reads .md and .txt objects under a prefix. A leading
// markdown heading becomes the title, otherwise the file name does.
type S3KnowledgeLoader struct {
	api    s3KnowledgeAPI
	bucket string
	prefix string
	logger *logging.Logger
}

func NewS3KnowledgeLoader(api s3KnowledgeAPI, bucket, prefix string, logger *logging.Logger) *S3KnowledgeLoader {
	if api == nil {
		panic("retrieval: s3 client cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &S3KnowledgeLoader{api: api, bucket: bucket, prefix: prefix, logger: logger}
}

func (l *S3KnowledgeLoader) LoadDocuments(ctx context.Context) ([]Document, error) {
	var docs []Document
	pager := s3.NewListObjectsV2Paginator(l.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(l.bucket),
		Prefix: aws.String(l.prefix),
	})
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("retrieval: list s3://%s/%s: %w", l.bucket, l.prefix, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			ext := strings.ToLower(path.Ext(key))
			if ext != ".md" && ext != ".txt" {
				continue
			}
			if aws.ToInt64(obj.Size) > maxKnowledgeObjectBytes {
				l.logger.Warn("knowledge object too large; skipped", "key", key, "size", aws.ToInt64(obj.Size))
				continue
			}
			doc, err := l.fetch(ctx, key)
			if err != nil {
				return nil, err
			}
			if strings.TrimSpace(doc.Content) != "" {
				docs = append(docs, doc)
			}
		}
	}
	l.logger.Info("knowledge loaded from s3", "bucket", l.bucket, "prefix", l.prefix, "documents", len(docs))
	return docs, nil
}

func (l *S3KnowledgeLoader) fetch(ctx context.Context, key string) (Document, error) {
	out, err := l.api.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(l.bucket), Key: aws.String(key)})
	if err != nil {
		return Document{}, fmt.Errorf("retrieval: get s3://%s/%s: %w", l.bucket, key, err)
	}
	defer out.Body.Close()
	body, err := io.ReadAll(io.LimitReader(out.Body, maxKnowledgeObjectBytes))
	if err != nil {
		return Document{}, fmt.Errorf("retrieval: read s3://%s/%s: %w", l.bucket, key, err)
	}

	text := strings.TrimSpace(string(body))
	title := strings.TrimSuffix(path.Base(key), path.Ext(key))
	if strings.HasSuffix(strings.ToLower(key), ".md") {
		first, rest, _ := strings.Cut(text, "\n")
		if h := strings.TrimSpace(strings.TrimLeft(first, "# ")); h != "" && strings.HasPrefix(first, "#") {
			title = h
			text = strings.TrimSpace(rest)
		}
	}
	return Document{ID: key, Title: title, Content: text}, nil
}
