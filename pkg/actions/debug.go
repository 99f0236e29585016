package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
)

type debugAction struct {
	Msg interface{} `mapstructure:"msg"`
	Var string      `mapstructure:"var"`
}

func newDebug(args map[string]interface{}) (Action, error) {
	a := &debugAction{}
	if err := decode(args, a); err != nil {
		return nil, err
	}
	if a.Msg != nil && a.Var != "" {
		return nil, errors.New("msg and var are mutually exclusive")
	}
	if a.Msg == nil && a.Var == "" {
		a.Msg = "Hello world!"
	}
	return a, nil
}

func (a *debugAction) Run(_ context.Context, actx *Context) (*Result, error) {
	if a.Var != "" {
		val, ok := actx.Vars.Get(a.Var)
		if !ok {
			val = "VARIABLE IS NOT DEFINED!"
		}
		return &Result{
			Msg:  fmt.Sprintf("%s: %s", a.Var, formatValue(val)),
			Data: map[string]interface{}{a.Var: val},
		}, nil
	}
	return &Result{
		Msg:  formatValue(a.Msg),
		Data: map[string]interface{}{"msg": a.Msg},
	}, nil
}

func formatValue(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

type failAction struct {
	Msg string `mapstructure:"msg"`
	Raw string `mapstructure:"_raw"`
}

func newFail(args map[string]interface{}) (Action, error) {
	a := &failAction{}
	if err := decode(args, a); err != nil {
		return nil, err
	}
	if a.Msg == "" {
		a.Msg = a.Raw
	}
	if a.Msg == "" {
		a.Msg = "Failed as requested from task"
	}
	return a, nil
}

func (a *failAction) Run(context.Context, *Context) (*Result, error) {
	return &Result{Failed: true, Msg: a.Msg}, nil
}

var factNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type setFactAction struct {
	facts map[string]interface{}
}

func newSetFact(args map[string]interface{}) (Action, error) {
	if len(args) == 0 {
		return nil, errors.New("at least one fact is required")
	}
	facts := make(map[string]interface{}, len(args))
	for k, v := range args {
		if k == "cacheable" {
			continue
		}
		if !factNameRe.MatchString(k) {
			return nil, fmt.Errorf("invalid fact name %q", k)
		}
		facts[k] = v
	}
	return &setFactAction{facts: facts}, nil
}

func (a *setFactAction) Run(context.Context, *Context) (*Result, error) {
	return &Result{
		Facts: a.facts,
		Data:  map[string]interface{}{"facts": a.facts},
	}, nil
}
