// Package mail implements an example taskfabric.Endpoint for sending
// notification email. It normalizes the subject line with
// golang.org/x/text/cases: a Unicode-aware text transform instead of a
// naive strings.Title/ToUpper.
package mail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Endpoint sends email through a configured SMTP relay, or via an HTTP
// provider when baseURL is set, exposed to task code as the "mail"
// service.
type Endpoint struct {
	baseURL string
	client  *http.Client

	smtpAddr string
	from     string

	titleCaser cases.Caser
}

// New creates a mail Endpoint. When baseURL is non-empty, Send POSTs
// to it; otherwise it dials smtpAddr directly.
func New(baseURL, smtpAddr, from string) *Endpoint {
	return &Endpoint{
		baseURL:    baseURL,
		client:     &http.Client{Timeout: 10 * time.Second},
		smtpAddr:   smtpAddr,
		from:       from,
		titleCaser: cases.Title(language.English),
	}
}

type sendArgs struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

type sendResult struct {
	Sent bool `json:"sent"`
}

// Invoke implements taskfabric.Endpoint. The only supported
// methodPath is "send".
func (e *Endpoint) Invoke(ctx context.Context, methodPath string, args json.RawMessage) (json.RawMessage, error) {
	if methodPath != "send" {
		return nil, fmt.Errorf("mail: unknown method %q", methodPath)
	}

	var params sendArgs
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, fmt.Errorf("mail: invalid args: %w", err)
	}
	if params.To == "" {
		return nil, fmt.Errorf("mail: missing recipient")
	}

	subject := e.titleCaser.String(params.Subject)

	if e.baseURL != "" {
		if err := e.sendViaHTTP(ctx, params.To, subject, params.Body); err != nil {
			return nil, err
		}
		return json.Marshal(sendResult{Sent: true})
	}

	if err := e.sendViaSMTP(params.To, subject, params.Body); err != nil {
		return nil, err
	}
	return json.Marshal(sendResult{Sent: true})
}

func (e *Endpoint) sendViaHTTP(ctx context.Context, to, subject, body string) error {
	payload, _ := json.Marshal(sendArgs{To: to, Subject: subject, Body: body})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("mail: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("mail: send error: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("mail: provider returned HTTP %d", resp.StatusCode)
	}
	return nil
}

func (e *Endpoint) sendViaSMTP(to, subject, body string) error {
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n", e.from, to, subject, body)
	return smtp.SendMail(e.smtpAddr, nil, e.from, []string{to}, []byte(msg))
}
