package connector

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/conhub/conhub/pkg/models"
)

// knowledgeConnector answers consultations from a small built-in topic
// map. It backs the in-process amazon_q and cline connectors so agent
// consultation works without any external service running.
type knowledgeConnector struct {
	id      string
	name    string
	scheme  string
	topics  map[string]string
	persona string
}

func (k *knowledgeConnector) Descriptor() Descriptor {
	return Descriptor{
		ID:         k.id,
		Name:       k.name,
		Version:    "1.0.0",
		Kind:       KindBuiltin,
		Schemes:    []string{k.scheme},
		Operations: RequiredOperations,
	}
}

func (k *knowledgeConnector) Initialize(ctx context.Context) error { return nil }
func (k *knowledgeConnector) Health(ctx context.Context) error     { return nil }
func (k *knowledgeConnector) Cleanup(ctx context.Context) error    { return nil }

func (k *knowledgeConnector) Fetch(ctx context.Context, q FetchQuery) (*FetchResult, error) {
	out := &FetchResult{}
	for topic := range k.topics {
		out.Resources = append(out.Resources, models.Resource{
			URI:  fmt.Sprintf("%s://topics/%s", k.scheme, topic),
			Name: topic,
			Kind: "document",
		})
	}
	sort.Slice(out.Resources, func(i, j int) bool { return out.Resources[i].URI < out.Resources[j].URI })
	if q.Limit > 0 && len(out.Resources) > q.Limit {
		out.Resources = out.Resources[:q.Limit]
	}
	return out, nil
}

func (k *knowledgeConnector) Search(ctx context.Context, query string, limit int) ([]models.Document, error) {
	if limit <= 0 {
		limit = 10
	}
	lower := strings.ToLower(query)
	var docs []models.Document
	for topic, body := range k.topics {
		if len(docs) >= limit {
			break
		}
		if strings.Contains(lower, topic) || strings.Contains(strings.ToLower(body), lower) {
			docs = append(docs, models.Document{
				URI:     fmt.Sprintf("%s://topics/%s", k.scheme, topic),
				Title:   topic,
				Snippet: body,
				Score:   1,
				Source:  k.id,
			})
		}
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].URI < docs[j].URI })
	return docs, nil
}

// GetContext treats the URI path as a consultation prompt and always
// produces a non-empty answer, falling back to a generic reply when no
// topic matches.
func (k *knowledgeConnector) GetContext(ctx context.Context, uri string) (*models.ContextBundle, error) {
	prompt := strings.TrimPrefix(uri, k.scheme+"://")
	prompt = strings.TrimPrefix(prompt, "consult/")

	answer := k.answer(prompt)
	return &models.ContextBundle{
		URI:       uri,
		Content:   models.ResourceContent{URI: uri, Text: answer},
		Metadata:  map[string]string{"agent": k.id},
		FetchedAt: time.Now().UTC(),
	}, nil
}

func (k *knowledgeConnector) answer(prompt string) string {
	lower := strings.ToLower(prompt)
	for topic, body := range k.topics {
		if strings.Contains(lower, topic) {
			return body
		}
	}
	return fmt.Sprintf("%s I don't have specific knowledge about that. Could you rephrase or narrow the question?", k.persona)
}

// NewAmazonQ builds the in-process Amazon Q connector with its AWS
// topic map.
func NewAmazonQ(cfg BuildConfig) (Connector, error) {
	return &knowledgeConnector{
		id:      cfg.ID,
		name:    "Amazon Q",
		scheme:  "amazonq",
		persona: "Amazon Q here.",
		topics: map[string]string{
			"lambda":   "AWS Lambda is a serverless compute service that runs your code in response to events and automatically manages the underlying compute resources. You pay only for the compute time you consume.",
			"s3":       "Amazon S3 is an object storage service offering industry-leading scalability, data availability, security, and performance. Objects live in buckets and are addressed by key.",
			"ec2":      "Amazon EC2 provides resizable compute capacity in the cloud. You launch instances from machine images and pay per second of runtime.",
			"dynamodb": "Amazon DynamoDB is a fully managed key-value and document database delivering single-digit millisecond performance at any scale.",
			"iam":      "AWS IAM lets you manage access to AWS services and resources securely through users, groups, roles and policies.",
		},
	}, nil
}

// NewCline builds the in-process Cline connector with its coding topic
// map.
func NewCline(cfg BuildConfig) (Connector, error) {
	return &knowledgeConnector{
		id:      cfg.ID,
		name:    "Cline",
		scheme:  "cline",
		persona: "Cline:",
		topics: map[string]string{
			"refactor": "Start by adding tests around the code you plan to change, then extract small pure functions and rename for clarity. Keep each refactoring step compiling.",
			"test":     "Prefer table-driven tests with descriptive case names. Test behavior at the package boundary rather than internal helpers.",
			"debug":    "Reproduce the failure with the smallest possible input, then bisect: add assertions at the midpoint of the suspect path and narrow from there.",
			"review":   "Read the diff top-down once for intent, then again for correctness. Flag anything you had to read twice.",
		},
	}, nil
}
