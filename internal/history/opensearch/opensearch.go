package opensearch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/loykin/wsvisor/internal/history"
)

const DefaultIndex = "service-history"

// Sink sends events to OpenSearch via HTTP.
// Documents are POSTed to baseURL + "/" + index + "/_doc".
type Sink struct {
	client  *resty.Client
	baseURL string
	index   string
}

func New(baseURL, index string) *Sink {
	if index == "" {
		index = DefaultIndex
	}
	c := resty.New().
		SetTimeout(5*time.Second).
		SetHeader("Content-Type", "application/json")
	return &Sink{client: c, baseURL: strings.TrimRight(baseURL, "/"), index: index}
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	u := fmt.Sprintf("%s/%s/_doc", s.baseURL, s.index)
	resp, err := s.client.R().SetContext(ctx).SetBody(e).Post(u)
	if err != nil {
		return err
	}
	if resp.StatusCode() >= 300 {
		return fmt.Errorf("opensearch sink status %d", resp.StatusCode())
	}
	return nil
}
