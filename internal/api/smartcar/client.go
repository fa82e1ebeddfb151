package smartcar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const breakerName = "smartcar-api"

// Config 客户端配置
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Mode         string
	Scopes       []string
	AuthHost     string
	ConnectHost  string
	APIHost      string
	RateLimit    float64 // 每秒请求数，<=0 表示不限速

	// OnBreakerChange 熔断器状态变化回调
	OnBreakerChange func(name, from, to string)
}

// Client Smartcar API 客户端。不保存 token，调用方每次传入。
type Client struct {
	httpClient *http.Client
	cfg        Config
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker[[]byte]
	logger     *zap.Logger
	now        func() time.Time
}

// NewClient 创建新的 Smartcar API 客户端
func NewClient(cfg Config, logger *zap.Logger) *Client {
	c := &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	c.limiter = rate.NewLimiter(limit, 1)

	c.breaker = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Smartcar circuit breaker state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			if cfg.OnBreakerChange != nil {
				cfg.OnBreakerChange(name, from.String(), to.String())
			}
		},
		// 401/429 是调用方的问题，不算上游故障
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, ErrUnauthorized) ||
				errors.Is(err, ErrRateLimited) ||
				errors.Is(err, context.Canceled)
		},
	})

	return c
}

// AuthURL 生成 Smartcar Connect 授权地址，state 原样回传给 /exchange
func (c *Client) AuthURL(state string) string {
	params := url.Values{
		"response_type": {"code"},
		"client_id":     {c.cfg.ClientID},
		"redirect_uri":  {c.cfg.RedirectURI},
		"scope":         {strings.Join(c.cfg.Scopes, " ")},
		"state":         {state},
		"mode":          {c.cfg.Mode},
	}
	return strings.TrimRight(c.cfg.ConnectHost, "/") + "/oauth/authorize?" + params.Encode()
}

// ExchangeCode 用授权码换取令牌
func (c *Client) ExchangeCode(ctx context.Context, code string) (*Token, error) {
	return c.token(ctx, url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {c.cfg.RedirectURI},
	})
}

// RefreshToken 用 refresh token 换取新令牌
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*Token, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("refresh token: %w", ErrUnauthorized)
	}
	return c.token(ctx, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	})
}

func (c *Client) token(ctx context.Context, form url.Values) (*Token, error) {
	body, err := c.execute(func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			strings.TrimRight(c.cfg.AuthHost, "/")+"/oauth/token", strings.NewReader(form.Encode()))
		if err != nil {
			return nil, fmt.Errorf("create token request: %w", err)
		}
		req.SetBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", form.Get("grant_type"), err)
	}

	var tok Token
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("token response has no access_token")
	}
	tok.ExpiresAt = c.now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	return &tok, nil
}

// GetVehicleIDs 获取该令牌可访问的车辆 ID
func (c *Client) GetVehicleIDs(ctx context.Context, accessToken string) ([]string, error) {
	var resp vehicleIDsResponse
	if err := c.getJSON(ctx, accessToken, "/vehicles", &resp); err != nil {
		return nil, fmt.Errorf("get vehicle ids: %w", err)
	}
	return resp.Vehicles, nil
}

// VehicleInfo 获取车辆基本信息
func (c *Client) VehicleInfo(ctx context.Context, accessToken, vehicleID string) (*VehicleInfo, error) {
	var info VehicleInfo
	if err := c.getJSON(ctx, accessToken, "/vehicles/"+url.PathEscape(vehicleID), &info); err != nil {
		return nil, fmt.Errorf("get vehicle info: %w", err)
	}
	if info.ID == "" {
		info.ID = vehicleID
	}
	return &info, nil
}

// VehicleLocation 实时读取车辆位置
func (c *Client) VehicleLocation(ctx context.Context, accessToken, vehicleID string) (*Location, error) {
	var loc Location
	if err := c.getJSON(ctx, accessToken, "/vehicles/"+url.PathEscape(vehicleID)+"/location", &loc); err != nil {
		return nil, fmt.Errorf("get vehicle location: %w", err)
	}
	return &loc, nil
}

// VehicleOdometer 实时读取里程
func (c *Client) VehicleOdometer(ctx context.Context, accessToken, vehicleID string) (*Odometer, error) {
	var odo Odometer
	if err := c.getJSON(ctx, accessToken, "/vehicles/"+url.PathEscape(vehicleID)+"/odometer", &odo); err != nil {
		return nil, fmt.Errorf("get vehicle odometer: %w", err)
	}
	return &odo, nil
}

// getJSON 限速后发起带认证的 GET 请求
func (c *Client) getJSON(ctx context.Context, accessToken, path string, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait for rate limiter: %w", err)
	}

	body, err := c.execute(func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(c.cfg.APIHost, "/")+path, nil)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+accessToken)
		req.Header.Set("Accept", "application/json")
		return req, nil
	})
	if err != nil {
		return err
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// execute 通过熔断器发送请求并读取响应体
func (c *Client) execute(build func() (*http.Request, error)) ([]byte, error) {
	body, err := c.breaker.Execute(func() ([]byte, error) {
		req, err := build()
		if err != nil {
			return nil, err
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("request %s: %w", req.URL.Path, err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, statusError(resp, body)
		}
		return body, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		c.logger.Warn("Smartcar request rejected by circuit breaker", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	return body, err
}

func statusError(resp *http.Response, body []byte) *StatusError {
	e := &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	if resp.StatusCode == http.StatusTooManyRequests {
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
			e.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return e
}

// BreakerState 熔断器当前状态
func (c *Client) BreakerState() string {
	return c.breaker.State().String()
}
