package historian

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

var (
	errRuleMissingField = errors.New("alert rule requires name and variable_path")
	errRuleNoThreshold  = errors.New("alert rule requires above and/or below")
	errRuleZeroDebounce = errors.New("alert rule debounce_samples must be >= 1")
)

type hookKind int

const (
	hookNone hookKind = iota
	hookLog
	hookFile
	hookWebhook
)

// hookTarget disambiguates an AlertRuleConfig.Hook string the way the
// reference implementation's resolve_hook does: "log" (any letter case) is
// the log sink,
// anything starting with http:// or https:// is a webhook, anything else is
// a file path, and the empty string means no hook at all.
type hookTarget struct {
	kind hookKind
	path string // file path or webhook URL
}

func resolveHookTarget(raw, bundleRoot string) hookTarget {
	switch {
	case raw == "":
		return hookTarget{kind: hookNone}
	case strings.EqualFold(raw, "log"):
		return hookTarget{kind: hookLog}
	case strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://"):
		return hookTarget{kind: hookWebhook, path: raw}
	default:
		return hookTarget{kind: hookFile, path: resolvePath(raw, bundleRoot)}
	}
}

// HookDispatcher delivers an alert transition to its configured sink,
// outside the historian's lock (§4.5/§5).
type HookDispatcher interface {
	Dispatch(target hookTarget, event AlertEvent)
}

// defaultDispatcher is the production HookDispatcher: log sink via zerolog,
// file sink via NDJSON append, webhook sink via a small HTTP POST retried
// with cenkalti/backoff/v4, matching wsdriver's reconnect backoff style.
type defaultDispatcher struct {
	log    zerolog.Logger
	client *http.Client
}

// NewDispatcher constructs the production hook dispatcher.
func NewDispatcher(log zerolog.Logger) HookDispatcher {
	return &defaultDispatcher{log: log, client: &http.Client{Timeout: 5 * time.Second}}
}

func (d *defaultDispatcher) Dispatch(target hookTarget, event AlertEvent) {
	switch target.kind {
	case hookNone:
		return
	case hookLog:
		d.dispatchLog(event)
	case hookFile:
		d.dispatchFile(target.path, event)
	case hookWebhook:
		d.dispatchWebhook(target.path, event)
	}
}

func (d *defaultDispatcher) dispatchLog(event AlertEvent) {
	ev := d.log.Warn()
	if event.State == AlertCleared {
		ev = d.log.Info()
	}
	ev.Str("rule", event.Rule).Str("variable", event.Variable).
		Str("state", string(event.State)).Str("threshold", event.Threshold).
		Msg("historian alert")
}

func (d *defaultDispatcher) dispatchFile(path string, event AlertEvent) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		d.log.Warn().Err(err).Str("path", path).Msg("alert hook: mkdir failed")
		return
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		d.log.Warn().Err(err).Str("path", path).Msg("alert hook: open failed")
		return
	}
	defer f.Close()
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	w := bufio.NewWriter(f)
	w.Write(data)
	w.WriteString("\n")
	if err := w.Flush(); err != nil {
		d.log.Warn().Err(err).Str("path", path).Msg("alert hook: write failed")
	}
}

// dispatchWebhook POSTs event as JSON, retrying transient failures with a
// bounded exponential backoff. Runs synchronously on the caller's goroutine,
// which is why the historian collects all pending hooks and dispatches them
// only after releasing its lock.
func (d *defaultDispatcher) dispatchWebhook(url string, event AlertEvent) {
	body, err := json.Marshal(event)
	if err != nil {
		return
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 10 * time.Second

	op := func() error {
		resp, err := d.client.Post(url, "application/json", bytes.NewReader(body))
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return errWebhookServerError
		}
		return nil
	}

	if err := backoff.Retry(op, b); err != nil {
		d.log.Warn().Err(err).Str("url", url).Msg("alert webhook delivery failed")
	}
}

var errWebhookServerError = errors.New("webhook endpoint returned a server error")
