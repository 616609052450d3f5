// Package imapsource implements the remote mail source over IMAP.
//
// Every operation opens its own connection, selects the folder, runs, and
// logs out; connections are never shared across operations. A token bucket
// throttles connection attempts so a sync storm cannot hammer the server.
package imapsource

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"golang.org/x/time/rate"

	"github.com/yndnr/mailsync-go/internal/core/domain"
	"github.com/yndnr/mailsync-go/internal/infra/tlsroots"
)

// TLS modes.
const (
	TLSModeImplicit = "tls"
	TLSModeStartTLS = "starttls"
	TLSModeInsecure = "insecure"
)

// Config configures the IMAP source.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string

	// TLSMode is one of tls, starttls, insecure.
	TLSMode string

	// CAFile adds a PEM bundle to the system roots.
	CAFile string

	// ConnectRate bounds new connections per second; Burst allows short
	// spikes.
	ConnectRate float64
	Burst       int

	// MaxBodyBytes bounds the fetched body section per message.
	MaxBodyBytes uint32

	// PreviewLength is the number of runes kept in BodyPreview.
	PreviewLength int
}

// DefaultConfig returns defaults for everything but the server address and
// credentials.
func DefaultConfig() Config {
	return Config{
		Port:          993,
		TLSMode:       TLSModeImplicit,
		ConnectRate:   2,
		Burst:         4,
		MaxBodyBytes:  256 << 10,
		PreviewLength: 200,
	}
}

// Source is an IMAP-backed remote mail source.
type Source struct {
	cfg       Config
	tlsConfig *tls.Config
	limiter   *rate.Limiter
	logger    *slog.Logger
}

// New creates an IMAP source. No connection is made until the first
// operation.
func New(cfg Config, logger *slog.Logger) (*Source, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Host == "" {
		return nil, domain.ErrMissingArgument.WithDetails("imap host is required")
	}
	def := DefaultConfig()
	if cfg.Port == 0 {
		cfg.Port = def.Port
	}
	if cfg.TLSMode == "" {
		cfg.TLSMode = def.TLSMode
	}
	if cfg.ConnectRate <= 0 {
		cfg.ConnectRate = def.ConnectRate
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.MaxBodyBytes == 0 {
		cfg.MaxBodyBytes = def.MaxBodyBytes
	}
	if cfg.PreviewLength <= 0 {
		cfg.PreviewLength = def.PreviewLength
	}

	s := &Source{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.ConnectRate), cfg.Burst),
		logger:  logger.With("component", "imapsource", "host", cfg.Host),
	}

	switch cfg.TLSMode {
	case TLSModeImplicit, TLSModeStartTLS:
		tlsConfig, err := tlsroots.ClientConfigFor(cfg.Host, cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("imapsource: tls config: %w", err)
		}
		s.tlsConfig = tlsConfig
	case TLSModeInsecure:
		logger.Warn("imap connection is not encrypted", "host", cfg.Host)
	default:
		return nil, domain.ErrInvalidArgument.WithDetailsf("unknown imap tls mode %q", cfg.TLSMode)
	}
	return s, nil
}

func (s *Source) addr() string {
	return net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
}

// connect dials and authenticates. The caller must log out.
func (s *Source) connect(ctx context.Context) (*imapclient.Client, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("imapsource: waiting for connection slot: %w", err)
	}

	opts := &imapclient.Options{TLSConfig: s.tlsConfig}
	var (
		client *imapclient.Client
		err    error
	)
	switch s.cfg.TLSMode {
	case TLSModeImplicit:
		client, err = imapclient.DialTLS(s.addr(), opts)
	case TLSModeStartTLS:
		client, err = imapclient.DialStartTLS(s.addr(), opts)
	default:
		client, err = imapclient.DialInsecure(s.addr(), opts)
	}
	if err != nil {
		return nil, fmt.Errorf("imapsource: connecting to %s: %w", s.addr(), err)
	}

	if err := client.Login(s.cfg.Username, s.cfg.Password).Wait(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("imapsource: login as %s: %w", s.cfg.Username, err)
	}

	// Abort in-flight commands when the caller gives up.
	stop := context.AfterFunc(ctx, func() { _ = client.Close() })
	go func() {
		<-client.Closed()
		stop()
	}()
	return client, nil
}

// session runs fn against folder on a fresh connection.
func (s *Source) session(ctx context.Context, folder string, readOnly bool, fn func(*imapclient.Client, *imap.SelectData) error) error {
	client, err := s.connect(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = client.Logout().Wait() }()

	sel, err := client.Select(folder, &imap.SelectOptions{ReadOnly: readOnly}).Wait()
	if err != nil {
		return fmt.Errorf("imapsource: selecting %s: %w", folder, err)
	}
	return fn(client, sel)
}

func (s *Source) fetchOptions() (*imap.FetchOptions, *imap.FetchItemBodySection) {
	section := &imap.FetchItemBodySection{
		Peek:    true,
		Partial: &imap.SectionPartial{Offset: 0, Size: int64(s.cfg.MaxBodyBytes)},
	}
	return &imap.FetchOptions{
		Envelope:    true,
		Flags:       true,
		UID:         true,
		RFC822Size:  true,
		BodySection: []*imap.FetchItemBodySection{section},
	}, section
}

func (s *Source) collect(folder string, cmd *imapclient.FetchCommand, section *imap.FetchItemBodySection) ([]domain.MailItem, error) {
	defer cmd.Close()

	var items []domain.MailItem
	for {
		msg := cmd.Next()
		if msg == nil {
			break
		}
		buf, err := msg.Collect()
		if err != nil {
			s.logger.Warn("skipping unreadable message", "folder", folder, "error", err)
			continue
		}
		items = append(items, toItem(folder, fetched{
			UID:        buf.UID,
			Flags:      buf.Flags,
			Envelope:   buf.Envelope,
			Size:       buf.RFC822Size,
			Raw:        buf.FindBodySection(section),
			PreviewLen: s.cfg.PreviewLength,
		}))
	}
	if err := cmd.Close(); err != nil {
		return items, fmt.Errorf("imapsource: fetching from %s: %w", folder, err)
	}
	return items, nil
}

// ListRecent returns up to limit of the newest messages of folder.
func (s *Source) ListRecent(ctx context.Context, folder string, limit int) ([]domain.MailItem, error) {
	var items []domain.MailItem
	err := s.session(ctx, folder, true, func(c *imapclient.Client, sel *imap.SelectData) error {
		if sel.NumMessages == 0 {
			return nil
		}
		start := uint32(1)
		if limit > 0 && sel.NumMessages > uint32(limit) {
			start = sel.NumMessages - uint32(limit) + 1
		}
		var set imap.SeqSet
		set.AddRange(start, sel.NumMessages)

		opts, section := s.fetchOptions()
		var err error
		items, err = s.collect(folder, c.Fetch(set, opts), section)
		return err
	})
	if err != nil {
		return nil, err
	}

	sortByUID(items)
	s.logger.Debug("listed recent messages", "folder", folder, "count", len(items))
	return items, nil
}

// ListSince returns up to limit messages of folder with a UID greater than
// lastID, oldest first.
func (s *Source) ListSince(ctx context.Context, folder, lastID string, limit int) ([]domain.MailItem, error) {
	var last uint64
	if lastID != "" {
		var err error
		last, err = strconv.ParseUint(lastID, 10, 32)
		if err != nil {
			return nil, domain.ErrInvalidArgument.WithDetailsf("imap uid %q is not numeric", lastID)
		}
	}

	var items []domain.MailItem
	err := s.session(ctx, folder, true, func(c *imapclient.Client, sel *imap.SelectData) error {
		if sel.NumMessages == 0 || (sel.UIDNext != 0 && uint64(sel.UIDNext) <= last+1) {
			return nil
		}
		var after imap.UIDSet
		after.AddRange(imap.UID(last+1), 0)
		data, err := c.UIDSearch(&imap.SearchCriteria{UID: []imap.UIDSet{after}}, nil).Wait()
		if err != nil {
			return fmt.Errorf("imapsource: searching %s: %w", folder, err)
		}
		uids := firstUIDs(data.AllUIDs(), last, limit)
		if len(uids) == 0 {
			return nil
		}

		opts, section := s.fetchOptions()
		items, err = s.collect(folder, c.Fetch(imap.UIDSetNum(uids...), opts), section)
		return err
	})
	if err != nil {
		return nil, err
	}

	sortByUID(items)
	return items, nil
}

// firstUIDs returns the limit lowest uids above last in ascending order.
// The search for "n:*" always matches the highest UID, even below n.
func firstUIDs(uids []imap.UID, last uint64, limit int) []imap.UID {
	out := make([]imap.UID, 0, len(uids))
	for _, uid := range uids {
		if uint64(uid) > last {
			out = append(out, uid)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func sortByUID(items []domain.MailItem) {
	sort.Slice(items, func(i, j int) bool {
		return domain.CompareSubjectIDs(items[i].SubjectID, items[j].SubjectID) < 0
	})
}

func parseUID(subjectID string) (imap.UIDSet, error) {
	uid, err := strconv.ParseUint(subjectID, 10, 32)
	if err != nil || uid == 0 {
		return nil, domain.ErrInvalidArgument.WithDetailsf("imap uid %q is not valid", subjectID)
	}
	return imap.UIDSetNum(imap.UID(uid)), nil
}

// refused reports whether err is a NO/BAD reply rather than a transport
// failure.
func refused(err error) bool {
	var imapErr *imap.Error
	return errors.As(err, &imapErr)
}

// SetFlag sets or clears one flag on a message. It returns false when the
// server does not know the message or refused the command.
func (s *Source) SetFlag(ctx context.Context, folder, subjectID string, flag domain.Flag, value bool) (bool, error) {
	uids, err := parseUID(subjectID)
	if err != nil {
		return false, err
	}
	imapFlag, ok := imapFlags[flag]
	if !ok {
		return false, domain.ErrInvalidArgument.WithDetailsf("unknown flag %q", flag)
	}

	op := imap.StoreFlagsAdd
	if !value {
		op = imap.StoreFlagsDel
	}

	var applied bool
	err = s.session(ctx, folder, false, func(c *imapclient.Client, _ *imap.SelectData) error {
		msgs, err := c.Store(uids, &imap.StoreFlags{Op: op, Flags: []imap.Flag{imapFlag}}, nil).Collect()
		if err != nil {
			return err
		}
		applied = len(msgs) > 0
		return nil
	})
	if err != nil {
		if refused(err) {
			s.logger.Warn("flag change refused", "folder", folder, "subject_id", subjectID, "error", err)
			return false, nil
		}
		return false, err
	}
	return applied, nil
}

// Remove deletes a message and expunges it.
func (s *Source) Remove(ctx context.Context, folder, subjectID string) (bool, error) {
	uids, err := parseUID(subjectID)
	if err != nil {
		return false, err
	}

	var applied bool
	err = s.session(ctx, folder, false, func(c *imapclient.Client, _ *imap.SelectData) error {
		msgs, err := c.Store(uids, &imap.StoreFlags{
			Op:    imap.StoreFlagsAdd,
			Flags: []imap.Flag{imap.FlagDeleted},
		}, nil).Collect()
		if err != nil {
			return err
		}
		if len(msgs) == 0 {
			return nil
		}
		applied = true
		if c.Caps().Has(imap.CapUIDPlus) {
			return c.UIDExpunge(uids).Close()
		}
		return c.Expunge().Close()
	})
	if err != nil {
		if refused(err) {
			s.logger.Warn("remove refused", "folder", folder, "subject_id", subjectID, "error", err)
			return false, nil
		}
		return false, err
	}
	return applied, nil
}

// Move moves a message to target.
func (s *Source) Move(ctx context.Context, folder, subjectID, target string) (bool, error) {
	uids, err := parseUID(subjectID)
	if err != nil {
		return false, err
	}

	err = s.session(ctx, folder, false, func(c *imapclient.Client, _ *imap.SelectData) error {
		_, err := c.Move(uids, target).Wait()
		return err
	})
	if err != nil {
		if refused(err) {
			s.logger.Warn("move refused", "folder", folder, "subject_id", subjectID, "target", target, "error", err)
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// UnreadCount returns the number of unseen messages in folder.
func (s *Source) UnreadCount(ctx context.Context, folder string) (int, error) {
	client, err := s.connect(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = client.Logout().Wait() }()

	data, err := client.Status(folder, &imap.StatusOptions{NumUnseen: true}).Wait()
	if err != nil {
		return 0, fmt.Errorf("imapsource: status of %s: %w", folder, err)
	}
	if data.NumUnseen == nil {
		return 0, nil
	}
	return int(*data.NumUnseen), nil
}

// Ping verifies the server accepts the configured credentials.
func (s *Source) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := s.connect(ctx)
	if err != nil {
		return err
	}
	return client.Logout().Wait()
}
