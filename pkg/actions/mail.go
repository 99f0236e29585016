package actions

import (
	"context"
	"errors"
	"fmt"

	"github.com/openfroyo/hostplay/pkg/mailer"
)

type mailConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`

	To      []string `mapstructure:"to"`
	From    string   `mapstructure:"from"`
	Subject string   `mapstructure:"subject"`
	Body    string   `mapstructure:"body"`

	InsecureSkipVerify bool `mapstructure:"insecure_skip_verify"`
}

// mailAction sends from the controller.
type mailAction struct {
	cfg mailConfig
}

func newMail(args map[string]interface{}) (Action, error) {
	var cfg mailConfig
	if err := decode(args, &cfg); err != nil {
		return nil, err
	}
	if len(cfg.To) == 0 {
		return nil, errors.New("to is required")
	}
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 25
	}
	if cfg.From == "" {
		cfg.From = "root@localhost"
	}
	return &mailAction{cfg: cfg}, nil
}

func (a *mailAction) Run(ctx context.Context, actx *Context) (*Result, error) {
	if actx.Check {
		return &Result{Skipped: true, Msg: "mail would be sent (check mode)"}, nil
	}
	if actx.Mailer == nil {
		return nil, errors.New("no mailer configured")
	}

	server := mailer.Server{
		Host:               a.cfg.Host,
		Port:               a.cfg.Port,
		Username:           a.cfg.Username,
		Password:           a.cfg.Password,
		InsecureSkipVerify: a.cfg.InsecureSkipVerify,
	}
	msg := mailer.Message{
		From:    a.cfg.From,
		To:      a.cfg.To,
		Subject: a.cfg.Subject,
		Body:    a.cfg.Body,
	}

	if err := actx.Mailer.Send(ctx, server, msg); err != nil {
		return &Result{Failed: true, Msg: fmt.Sprintf("failed to send mail: %v", err)}, nil
	}
	return &Result{
		Changed: true,
		Msg:     fmt.Sprintf("mail sent to %v", a.cfg.To),
		Data:    map[string]interface{}{"to": a.cfg.To, "subject": a.cfg.Subject},
	}, nil
}
