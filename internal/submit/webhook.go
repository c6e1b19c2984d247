package submit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"text/template"
	"time"
)

// Webhook posts each intent to an HTTP endpoint. Without a template the body is
// the intent as JSON; with one it is {"text": <rendered template>}.
type Webhook struct {
	url    string
	method string
	render *template.Template
	client *http.Client
}

// NewWebhook builds an HTTP submitter.
func NewWebhook(url, method, tmpl string) (*Webhook, error) {
	if url == "" {
		return nil, fmt.Errorf("webhook url required")
	}
	if method == "" {
		method = http.MethodPost
	}
	var t *template.Template
	if tmpl != "" {
		var err error
		if t, err = parseTemplate(tmpl); err != nil {
			return nil, err
		}
	}
	return &Webhook{
		url:    url,
		method: strings.ToUpper(method),
		render: t,
		client: defaultClient(),
	}, nil
}

func (w *Webhook) Name() string { return "webhook" }

func (w *Webhook) Submit(ctx context.Context, in Intent) (Receipt, error) {
	var (
		body []byte
		err  error
	)
	if w.render != nil {
		text, rerr := executeTemplate(w.render, in)
		if rerr != nil {
			return Receipt{}, rerr
		}
		body, err = json.Marshal(map[string]string{"text": text})
	} else {
		body, err = json.Marshal(in)
	}
	if err != nil {
		return Receipt{}, fmt.Errorf("marshal body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, w.method, w.url, bytes.NewReader(body))
	if err != nil {
		return Receipt{}, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", in.ID)

	resp, err := w.client.Do(req)
	if err != nil {
		return Receipt{}, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return Receipt{}, fmt.Errorf("webhook http status %d", resp.StatusCode)
	}
	return Receipt{Reference: fmt.Sprintf("http %d", resp.StatusCode), Submitter: w.Name()}, nil
}

func parseTemplate(tmpl string) (*template.Template, error) {
	funcs := template.FuncMap{
		"pretty_json": func(v any) string {
			out, _ := json.MarshalIndent(v, "", "  ")
			return string(out)
		},
		"short_addr": func(addr string) string {
			if len(addr) <= 10 {
				return addr
			}
			return addr[:6] + "..." + addr[len(addr)-4:]
		},
	}
	t, err := template.New("intent").Funcs(funcs).Parse(tmpl)
	if err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}
	return t, nil
}

func executeTemplate(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return buf.String(), nil
}

func defaultClient() *http.Client {
	return &http.Client{
		Timeout: 15 * time.Second,
	}
}
