package smtp

import (
	"bytes"
	"fmt"
	"html/template"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/textproto"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// AccessEmailSubject 访问邮件主题
	AccessEmailSubject = "Your TimeCapsule File is Ready!"
	// PlainTextFallback 纯文本备选正文
	PlainTextFallback = "Please view this email in an HTML-capable email client."
)

// AccessEmail 通知收件人文件已可访问
type AccessEmail struct {
	To            string
	FileName      string
	AccessURL     string
	ScheduledDate time.Time
}

// Message 待发送的邮件
type Message struct {
	From      string
	To        string
	Subject   string
	MessageID string
	Date      time.Time
	Text      string
	HTML      string
}

var accessTemplate = template.Must(template.New("access").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>{{.Subject}}</title></head>
<body style="font-family: Arial, sans-serif; background: #f6f7fb; padding: 24px;">
  <div style="max-width: 560px; margin: 0 auto; background: #ffffff; border-radius: 8px; padding: 32px;">
    <h1 style="color: #4f46e5; margin-top: 0;">Your TimeCapsule has arrived</h1>
    <p>Someone scheduled a file to be delivered to you{{if .Scheduled}} on {{.Scheduled}}{{end}}.</p>
    <p><strong>File:</strong> {{.FileName}}</p>
    <p style="text-align: center; margin: 32px 0;">
      <a href="{{.AccessURL}}" style="background: #4f46e5; color: #ffffff; padding: 12px 24px; border-radius: 6px; text-decoration: none;">Access your file</a>
    </p>
    <p style="color: #6b7280; font-size: 12px;">If the button does not work, copy this link into your browser:<br>{{.AccessURL}}</p>
  </div>
</body>
</html>
`))

type accessView struct {
	Subject   string
	FileName  string
	AccessURL string
	Scheduled string
}

// NewMessageID 生成 Message-ID，形如 <uuid@domain>
func NewMessageID(domain string) string {
	domain = strings.TrimSpace(domain)
	if domain == "" {
		domain = "localhost"
	}
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), domain)
}

// BuildAccessMessage 渲染访问通知邮件
func BuildAccessMessage(from, domain string, email AccessEmail, now time.Time) (*Message, error) {
	view := accessView{
		Subject:   AccessEmailSubject,
		FileName:  email.FileName,
		AccessURL: email.AccessURL,
	}
	if !email.ScheduledDate.IsZero() {
		view.Scheduled = email.ScheduledDate.UTC().Format("January 2, 2006 15:04 MST")
	}

	var html bytes.Buffer
	if err := accessTemplate.Execute(&html, view); err != nil {
		return nil, fmt.Errorf("render access email: %w", err)
	}

	return &Message{
		From:      from,
		To:        email.To,
		Subject:   AccessEmailSubject,
		MessageID: NewMessageID(domain),
		Date:      now,
		Text:      PlainTextFallback,
		HTML:      html.String(),
	}, nil
}

// Bytes 编码为 RFC 5322 报文（multipart/alternative，quoted-printable 正文）
func (m *Message) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := m.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteTo 实现 io.WriterTo
func (m *Message) WriteTo(w io.Writer) (int64, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	if err := writePart(mw, "text/plain", m.Text); err != nil {
		return 0, err
	}
	if err := writePart(mw, "text/html", m.HTML); err != nil {
		return 0, err
	}
	if err := mw.Close(); err != nil {
		return 0, err
	}

	var out bytes.Buffer
	header := []struct{ key, value string }{
		{"From", m.From},
		{"To", m.To},
		{"Subject", mime.QEncoding.Encode("utf-8", m.Subject)},
		{"Date", m.Date.Format(time.RFC1123Z)},
		{"Message-ID", m.MessageID},
		{"MIME-Version", "1.0"},
		{"Content-Type", mime.FormatMediaType("multipart/alternative", map[string]string{"boundary": mw.Boundary()})},
	}
	for _, h := range header {
		if h.value == "" {
			continue
		}
		fmt.Fprintf(&out, "%s: %s\r\n", h.key, h.value)
	}
	out.WriteString("\r\n")
	out.Write(body.Bytes())

	n, err := w.Write(out.Bytes())
	return int64(n), err
}

func writePart(mw *multipart.Writer, mediaType, content string) error {
	h := textproto.MIMEHeader{}
	h.Set("Content-Type", mime.FormatMediaType(mediaType, map[string]string{"charset": "utf-8"}))
	h.Set("Content-Transfer-Encoding", "quoted-printable")

	pw, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	qp := quotedprintable.NewWriter(pw)
	if _, err := io.WriteString(qp, content); err != nil {
		return err
	}
	return qp.Close()
}
