package actions

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

type uriConfig struct {
	URL     string            `mapstructure:"url"`
	Method  string            `mapstructure:"method"`
	Body    string            `mapstructure:"body"`
	Headers map[string]string `mapstructure:"headers"`

	// StatusCode lists the accepted response codes, 200 by default.
	StatusCode []int `mapstructure:"status_code"`

	// Timeout in seconds, 30 by default.
	Timeout int `mapstructure:"timeout"`

	ReturnContent bool  `mapstructure:"return_content"`
	ValidateCerts *bool `mapstructure:"validate_certs"`
}

// uriAction runs on the controller regardless of the host transport.
type uriAction struct {
	cfg    uriConfig
	client *resty.Client
}

func newURI(args map[string]interface{}) (Action, error) {
	var cfg uriConfig
	if err := decode(args, &cfg); err != nil {
		return nil, err
	}
	if cfg.URL == "" {
		return nil, errors.New("url is required")
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodGet
	}
	cfg.Method = strings.ToUpper(cfg.Method)
	if len(cfg.StatusCode) == 0 {
		cfg.StatusCode = []int{http.StatusOK}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30
	}

	client := resty.New().SetTimeout(time.Duration(cfg.Timeout) * time.Second)
	if cfg.ValidateCerts != nil && !*cfg.ValidateCerts {
		client.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true}) //nolint:gosec
	}
	return &uriAction{cfg: cfg, client: client}, nil
}

func (a *uriAction) Run(ctx context.Context, actx *Context) (*Result, error) {
	safe := a.cfg.Method == http.MethodGet || a.cfg.Method == http.MethodHead
	if actx.Check && !safe {
		return &Result{Skipped: true, Msg: fmt.Sprintf("%s %s would be sent (check mode)", a.cfg.Method, a.cfg.URL)}, nil
	}

	req := a.client.R().SetContext(ctx)
	if len(a.cfg.Headers) > 0 {
		req = req.SetHeaders(a.cfg.Headers)
	}
	if a.cfg.Body != "" {
		req = req.SetBody([]byte(a.cfg.Body))
	}

	rsp, err := req.Execute(a.cfg.Method, a.cfg.URL)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return &Result{Failed: true, RC: -1, Msg: fmt.Sprintf("request failed: %v", err)}, nil
	}

	status := rsp.StatusCode()
	result := &Result{
		Data: map[string]interface{}{
			"status":  status,
			"url":     a.cfg.URL,
			"elapsed": rsp.Time().Seconds(),
		},
		Msg: fmt.Sprintf("%s %s returned %s", a.cfg.Method, a.cfg.URL, rsp.Status()),
	}

	if a.cfg.ReturnContent {
		body := string(rsp.Body())
		result.Stdout = body
		result.Data["content"] = body
		if strings.Contains(rsp.Header().Get("Content-Type"), "json") {
			var parsed interface{}
			if err := json.Unmarshal(rsp.Body(), &parsed); err == nil {
				result.Data["json"] = parsed
			}
		}
	}

	accepted := false
	for _, code := range a.cfg.StatusCode {
		if code == status {
			accepted = true
			break
		}
	}
	if !accepted {
		result.Failed = true
		result.Msg = fmt.Sprintf("status code was %d and not %v", status, a.cfg.StatusCode)
	}
	return result, nil
}
