package smtp

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
	"go.uber.org/zap"

	"timecapsule/backend/internal/config"
	"timecapsule/backend/internal/domain"
)

// ErrCredentialsMissing SMTP 用户名或密码未配置
var ErrCredentialsMissing = errors.New("SMTP credentials are not configured")

const defaultTimeout = 30 * time.Second

// Mailer 通过认证 SMTP 发送访问通知邮件。
//
// 每封邮件使用独立连接，发送完成后立即 QUIT。
type Mailer struct {
	cfg config.SMTPConfig
	log *zap.Logger
	now func() time.Time
}

// NewMailer 创建 Mailer
func NewMailer(cfg config.SMTPConfig, log *zap.Logger) *Mailer {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.From == "" {
		cfg.From = cfg.Username
	}
	return &Mailer{cfg: cfg, log: log, now: time.Now}
}

// SendAccessEmail 发送访问链接邮件，返回 Message-ID
func (m *Mailer) SendAccessEmail(ctx context.Context, email AccessEmail) (string, error) {
	if m.cfg.Username == "" || m.cfg.Password == "" {
		return "", domain.NewError(domain.KindMail, "send access email", ErrCredentialsMissing)
	}

	msg, err := BuildAccessMessage(m.cfg.From, m.cfg.Domain, email, m.now())
	if err != nil {
		return "", domain.NewError(domain.KindMail, "send access email", err)
	}
	if err := m.Send(ctx, msg); err != nil {
		return "", err
	}

	m.log.Info("access email sent",
		zap.String("to", email.To),
		zap.String("file_name", email.FileName),
		zap.String("message_id", msg.MessageID),
	)
	return msg.MessageID, nil
}

// Send 投递一封邮件
func (m *Mailer) Send(ctx context.Context, msg *Message) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	client, err := m.dial(ctx)
	if err != nil {
		return domain.NewError(domain.KindMail, "dial", err)
	}
	defer client.Close()

	// 连接超时后强制关闭，打断阻塞中的命令
	stop := context.AfterFunc(ctx, func() { client.Close() })
	defer stop()

	if err := client.Hello(m.cfg.Domain); err != nil {
		return domain.NewError(domain.KindMail, "hello", err)
	}
	if m.cfg.Username != "" {
		if err := client.Auth(sasl.NewPlainClient("", m.cfg.Username, m.cfg.Password)); err != nil {
			return domain.NewError(domain.KindMail, "auth", err)
		}
	}

	raw, err := msg.Bytes()
	if err != nil {
		return domain.NewError(domain.KindMail, "encode", err)
	}
	if err := client.SendMail(msg.From, []string{msg.To}, bytes.NewReader(raw)); err != nil {
		return domain.NewError(domain.KindMail, "send", err)
	}
	if err := client.Quit(); err != nil {
		m.log.Debug("smtp quit failed", zap.Error(err))
	}
	return nil
}

func (m *Mailer) dial(ctx context.Context) (*gosmtp.Client, error) {
	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))
	dialer := &net.Dialer{Timeout: m.cfg.Timeout}
	tlsConfig := &tls.Config{ServerName: m.cfg.Host, MinVersion: tls.VersionTLS12}

	var client *gosmtp.Client
	switch m.cfg.TLSMode {
	case "tls", "":
		conn, err := (&tls.Dialer{NetDialer: dialer, Config: tlsConfig}).DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("connect %s: %w", addr, err)
		}
		client = gosmtp.NewClient(conn)
	case "starttls":
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("connect %s: %w", addr, err)
		}
		c, err := gosmtp.NewClientStartTLS(conn, tlsConfig)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("starttls %s: %w", addr, err)
		}
		client = c
	case "none":
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("connect %s: %w", addr, err)
		}
		client = gosmtp.NewClient(conn)
	default:
		return nil, fmt.Errorf("unsupported tls mode %q", m.cfg.TLSMode)
	}

	client.CommandTimeout = m.cfg.Timeout
	client.SubmissionTimeout = m.cfg.Timeout
	return client, nil
}
