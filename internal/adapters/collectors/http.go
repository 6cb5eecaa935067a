package collectors

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"proactive-engine/internal/domain"
	"proactive-engine/internal/infra/metrics"
)

// integrationClient — общий HTTP-клиент интеграций. Пустой базовый URL
// означает неподключённую интеграцию: запросы не выполняются.
type integrationClient struct {
	name    string
	baseURL *url.URL
	http    *http.Client
}

func newIntegrationClient(name, baseURL string, timeout time.Duration) (*integrationClient, error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := &integrationClient{name: name, http: &http.Client{Timeout: timeout}}
	if strings.TrimSpace(baseURL) == "" {
		return c, nil
	}
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("разбор базового URL %s: %w", name, err)
	}
	if parsed.Scheme == "" {
		parsed.Scheme = "http"
	}
	c.baseURL = parsed
	return c, nil
}

func (c *integrationClient) connected() bool {
	return c.baseURL != nil
}

// getJSON выполняет GET и декодирует ответ. 404 трактуется как отсутствие
// интеграции у пользователя.
func (c *integrationClient) getJSON(ctx context.Context, endpoint string, userID int64, out any) error {
	if !c.connected() {
		return domain.ErrIntegrationUnavailable
	}

	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + endpoint
	q := u.Query()
	q.Set("user_id", strconv.FormatInt(userID, 10))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("%s: сборка запроса: %w", c.name, err)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	metrics.ObserveNetworkRequest(c.name, "get", endpoint, start, err)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrTransientFailure, c.name, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return domain.ErrIntegrationUnavailable
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: %s: статус %d", domain.ErrTransientFailure, c.name, resp.StatusCode)
	case resp.StatusCode >= 400:
		return fmt.Errorf("%s: статус %d", c.name, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: %s: чтение ответа: %v", domain.ErrTransientFailure, c.name, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s: разбор ответа: %w", c.name, err)
	}
	return nil
}
