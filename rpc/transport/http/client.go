package http

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/rKV/rpc/common"
	"github.com/ValentinKolb/rKV/rpc/transport"
	"go.uber.org/zap"
)

// NewHttpClientTransport creates a new HTTP client transport
func NewHttpClientTransport(logger *zap.Logger) transport.IRPCClientTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &httpClientTransport{logger: logger.Named("transport").With(zap.String("transport", "http"))}
}

type httpClientTransport struct {
	serverURLs []string
	client     *http.Client
	counter    atomic.Uint32
	retryCount int
	logger     *zap.Logger
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IRPCClientTransport)
// --------------------------------------------------------------------------

func (t *httpClientTransport) Connect(config common.ClientTransportConfig) error {
	if len(config.Endpoints) == 0 {
		return fmt.Errorf("no endpoints provided")
	}
	urls := make([]string, len(config.Endpoints))
	for i, endpoint := range config.Endpoints {
		urls[i] = requestURL(endpoint)
	}

	t.client = &http.Client{
		Timeout: config.Timeout(),
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: max(2, config.ConnectionsPerEndpoint),
			IdleConnTimeout:     90 * time.Second,
		},
	}
	t.serverURLs = urls
	t.retryCount = max(1, config.RetryCount)
	return nil
}

func (t *httpClientTransport) Send(req []byte) (resp []byte, err error) {
	if t.client == nil {
		return nil, fmt.Errorf("http transport not initialized")
	}

	// Select the next server via round-robin
	url := t.serverURLs[t.counter.Add(1)%uint32(len(t.serverURLs))]

	for i := 0; i < t.retryCount; i++ {
		resp, err = t.post(url, req)
		if err == nil {
			return resp, nil
		}
		t.logger.Debug("request attempt failed", zap.String("url", url), zap.Int("attempt", i+1), zap.Error(err))
	}
	return nil, err
}

func (t *httpClientTransport) Close() error {
	if t.client != nil {
		t.client.CloseIdleConnections()
	}
	t.client = nil
	t.serverURLs = nil
	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (t *httpClientTransport) post(url string, req []byte) ([]byte, error) {
	httpResponse, err := t.client.Post(url, "application/octet-stream", bytes.NewReader(req))
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := httpResponse.Body.Close(); err != nil {
			t.logger.Error("failed to close response body", zap.Error(err))
		}
	}()
	if httpResponse.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http error: %s", httpResponse.Status)
	}
	return io.ReadAll(httpResponse.Body)
}

// requestURL turns an endpoint ("host:port" or a full URL) into the rpc URL
func requestURL(endpoint string) string {
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		endpoint = "http://" + endpoint
	}
	return strings.TrimSuffix(endpoint, "/") + Path
}
