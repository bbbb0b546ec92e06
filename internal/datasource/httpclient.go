package datasource

import (
	"io"
	"net/http"
	"time"

	"context"
)

// Response 是一次 vendor GET 的原始结果。
type Response struct {
	Status int
	Body   []byte
	Header http.Header
}

// Getter 抽象单次出站 GET，不做任何重试；重试策略属于各 source。
type Getter interface {
	Get(ctx context.Context, rawURL string) (Response, error)
}

// HTTPClient 是 Getter 的 net/http 实现。
type HTTPClient struct {
	client *http.Client
}

func NewHTTPClient(timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPClient{client: &http.Client{Timeout: timeout}}
}

func (h *HTTPClient) Get(ctx context.Context, rawURL string) (Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Response{}, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, err
	}
	return Response{Status: resp.StatusCode, Body: body, Header: resp.Header}, nil
}
