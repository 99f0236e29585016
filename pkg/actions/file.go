package actions

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/hostplay/pkg/playbook"
	"github.com/openfroyo/hostplay/pkg/transports"
)

type fileConfig struct {
	Dest string `mapstructure:"dest"`
	Path string `mapstructure:"path"`

	// Content is the literal file body. Exactly one of Content and Src.
	Content *string `mapstructure:"content"`

	// Src is a controller-side file, relative to the playbook directory.
	Src string `mapstructure:"src"`

	// Mode is an octal string ("0644") or the integer YAML decodes 0644 to.
	Mode interface{} `mapstructure:"mode"`

	Owner string `mapstructure:"owner"`
	Group string `mapstructure:"group"`

	// Backup keeps a timestamped copy of a file before replacing it.
	Backup bool `mapstructure:"backup"`
}

type fileAction struct {
	cfg      fileConfig
	dest     string
	mode     os.FileMode
	hasMode  bool
	template bool
}

func newCopy(args map[string]interface{}) (Action, error) {
	return buildFile(args, false)
}

func newTemplate(args map[string]interface{}) (Action, error) {
	return buildFile(args, true)
}

func buildFile(args map[string]interface{}, template bool) (Action, error) {
	var cfg fileConfig
	if err := decode(args, &cfg); err != nil {
		return nil, err
	}

	dest := cfg.Dest
	if dest == "" {
		dest = cfg.Path
	}
	if dest == "" {
		return nil, errors.New("dest is required")
	}
	if cfg.Content == nil && cfg.Src == "" {
		return nil, errors.New("one of content or src is required")
	}
	if cfg.Content != nil && cfg.Src != "" {
		return nil, errors.New("content and src are mutually exclusive")
	}

	a := &fileAction{cfg: cfg, dest: dest, template: template}
	if cfg.Mode != nil {
		mode, err := parseMode(cfg.Mode)
		if err != nil {
			return nil, err
		}
		a.mode, a.hasMode = mode, true
	}
	return a, nil
}

func parseMode(v interface{}) (os.FileMode, error) {
	switch m := v.(type) {
	case int:
		return os.FileMode(m).Perm(), nil
	case int64:
		return os.FileMode(m).Perm(), nil
	case uint64:
		return os.FileMode(m).Perm(), nil
	case float64:
		return os.FileMode(int(m)).Perm(), nil
	case string:
		s := strings.TrimPrefix(strings.TrimSpace(m), "0o")
		mode, err := strconv.ParseUint(s, 8, 32)
		if err != nil {
			return 0, fmt.Errorf("invalid mode %q: %w", m, err)
		}
		return os.FileMode(mode).Perm(), nil
	}
	return 0, fmt.Errorf("invalid mode %v", v)
}

// resolveSrc finds a controller-side source file. Relative paths are tried
// under the playbook's templates/ or files/ directory, then the playbook
// directory itself.
func (a *fileAction) resolveSrc(baseDir string) string {
	if filepath.IsAbs(a.cfg.Src) {
		return a.cfg.Src
	}
	sub := "files"
	if a.template {
		sub = "templates"
	}
	candidate := filepath.Join(baseDir, sub, a.cfg.Src)
	if _, err := os.Stat(candidate); err == nil {
		return candidate
	}
	return filepath.Join(baseDir, a.cfg.Src)
}

func (a *fileAction) content(actx *Context) ([]byte, error) {
	var body string
	if a.cfg.Content != nil {
		body = *a.cfg.Content
	} else {
		data, err := os.ReadFile(a.resolveSrc(actx.BaseDir))
		if err != nil {
			return nil, fmt.Errorf("failed to read src: %w", err)
		}
		body = string(data)
	}

	if !a.template {
		return []byte(body), nil
	}
	rendered, err := playbook.Render(body, actx.Vars)
	if err != nil {
		return nil, fmt.Errorf("failed to render template: %w", err)
	}
	return []byte(rendered), nil
}

func (a *fileAction) Run(ctx context.Context, actx *Context) (*Result, error) {
	data, err := a.content(actx)
	if err != nil {
		return &Result{Failed: true, Msg: err.Error()}, nil
	}

	dest := a.dest
	info, exists, err := actx.Transport.Stat(ctx, dest)
	if err != nil {
		return nil, err
	}
	if exists && info.IsDir {
		if a.cfg.Src == "" {
			return &Result{Failed: true, Msg: fmt.Sprintf("dest %s is a directory", dest)}, nil
		}
		dest = path.Join(dest, filepath.Base(a.cfg.Src))
		if info, exists, err = actx.Transport.Stat(ctx, dest); err != nil {
			return nil, err
		}
	}

	checksum := fmt.Sprintf("%x", sha256.Sum256(data))
	result := &Result{Data: map[string]interface{}{
		"dest":     dest,
		"checksum": checksum,
		"size":     len(data),
	}}

	mode := os.FileMode(0o644)
	switch {
	case a.hasMode:
		mode = a.mode
	case exists:
		mode = info.Mode
	}
	result.Data["mode"] = fmt.Sprintf("%04o", mode)

	var old []byte
	contentChanged := true
	if exists {
		old, err = actx.Transport.ReadFile(ctx, dest)
		if err != nil {
			return nil, err
		}
		contentChanged = fmt.Sprintf("%x", sha256.Sum256(old)) != checksum
	}
	modeChanged := exists && a.hasMode && info.Mode != a.mode

	ownerChanged, err := a.ownershipDiffers(ctx, actx, dest, exists)
	if err != nil {
		return nil, err
	}

	result.Changed = contentChanged || modeChanged || ownerChanged
	if !result.Changed {
		result.Msg = dest + " is up to date"
		return result, nil
	}
	if actx.Check {
		result.Msg = dest + " would change (check mode)"
		return result, nil
	}

	if contentChanged {
		if a.cfg.Backup && exists {
			backup := fmt.Sprintf("%s.%s.bak", dest, time.Now().Format("20060102T150405"))
			if err := putFile(ctx, actx, backup, old, info.Mode); err != nil {
				return failedFrom(err, "failed to create backup")
			}
			result.Data["backup_file"] = backup
		}
		if err := putFile(ctx, actx, dest, data, mode); err != nil {
			return failedFrom(err, "failed to write "+dest)
		}
	} else if modeChanged {
		if _, err := runChecked(ctx, actx, fmt.Sprintf("chmod %04o %s", mode, transports.ShellQuote(dest))); err != nil {
			return failedFrom(err, "failed to set mode")
		}
	}

	if owner := a.ownership(); owner != "" && (ownerChanged || !exists) {
		if _, err := runChecked(ctx, actx, "chown "+transports.ShellQuote(owner)+" "+transports.ShellQuote(dest)); err != nil {
			return failedFrom(err, "failed to set ownership")
		}
	}

	result.Msg = dest + " updated"
	return result, nil
}

// putFile places data at dest. Without privilege escalation the transport
// writes directly; with it the data is staged in /tmp and copied by sudo.
func putFile(ctx context.Context, actx *Context, dest string, data []byte, mode os.FileMode) error {
	dir := transports.ShellQuote(path.Dir(dest))
	if !actx.Become {
		if _, err := runChecked(ctx, actx, "mkdir -p "+dir); err != nil {
			return err
		}
		return actx.Transport.WriteFile(ctx, dest, data, mode)
	}

	staged := "/tmp/.hostplay-" + uuid.NewString()
	if err := actx.Transport.WriteFile(ctx, staged, data, 0o600); err != nil {
		return err
	}
	q := transports.ShellQuote
	command := fmt.Sprintf("mkdir -p %s && cp %s %s && chmod %04o %s; rc=$?; rm -f %s; exit $rc",
		dir, q(staged), q(dest), mode, q(dest), q(staged))
	_, err := runChecked(ctx, actx, command)
	return err
}

func (a *fileAction) ownership() string {
	switch {
	case a.cfg.Owner != "" && a.cfg.Group != "":
		return a.cfg.Owner + ":" + a.cfg.Group
	case a.cfg.Owner != "":
		return a.cfg.Owner
	case a.cfg.Group != "":
		return ":" + a.cfg.Group
	}
	return ""
}

func (a *fileAction) ownershipDiffers(ctx context.Context, actx *Context, dest string, exists bool) (bool, error) {
	if a.ownership() == "" {
		return false, nil
	}
	if !exists {
		return true, nil
	}
	res, err := run(ctx, actx, "stat -c '%U:%G' "+transports.ShellQuote(dest))
	if err != nil {
		return false, err
	}
	if res.ExitCode != 0 {
		return true, nil
	}
	parts := strings.SplitN(strings.TrimSpace(res.Stdout), ":", 2)
	if len(parts) != 2 {
		return true, nil
	}
	return (a.cfg.Owner != "" && parts[0] != a.cfg.Owner) || (a.cfg.Group != "" && parts[1] != a.cfg.Group), nil
}
