package ssmproto

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"net"
	"os/exec"
	"strconv"

	"github.com/hashicorp/go-uuid"
	"github.com/sirupsen/logrus"
)

// Transport selects how the session reaches the State Manager, per §6.1:
// the local sentinel selects a UNIX-domain socket with no credential
// wrapper, anything else selects TCP with a credential mint on the first
// outbound frame.
type Transport struct {
	// Local is true when Host is the local sentinel ("localhost"); Port is
	// then interpreted as a filesystem path to a UNIX socket.
	Local bool
	Host  string
	Port  string
}

// CredentialMint invokes an external tool that mints a short-lived
// credential wrapping payload, writing payload to the tool's stdin and
// returning its stdout. This is the same "shell out, capture stdout, check
// exit status" idiom the teacher's libeopkg.ProduceDelta uses for invoking
// fakeroot/eopkg.
type CredentialMint func(payload []byte) ([]byte, error)

// ExecCredentialMint returns a CredentialMint that runs the named external
// program, feeding payload on stdin and reading the credential from stdout.
func ExecCredentialMint(program string, args ...string) CredentialMint {
	return func(payload []byte) ([]byte, error) {
		cmd := exec.Command(program, args...)
		cmd.Stdin = bytes.NewReader(payload)
		out, err := cmd.Output()
		if err != nil {
			return nil, fmt.Errorf("ssmproto: credential mint %q: %w", program, err)
		}
		return out, nil
	}
}

// Session is a connected, possibly-authenticated State Manager session.
type Session struct {
	conn          net.Conn
	codec         *Codec
	authenticated bool
	sessionID     string
	log           *logrus.Entry
}

// Dial connects to the State Manager per t and, for remote transports,
// wraps the first outbound message with mint. local transports send the
// identity verbatim.
func Dial(t Transport, mint CredentialMint, log *logrus.Entry) (*Session, error) {
	if !t.Local && mint == nil {
		return nil, fmt.Errorf("ssmproto: remote transport requires a credential mint")
	}

	var (
		conn net.Conn
		err  error
	)
	if t.Local {
		conn, err = net.Dial("unix", t.Port)
	} else {
		port, perr := strconv.Atoi(t.Port)
		if perr != nil || port < 1 || port > 65535 {
			return nil, fmt.Errorf("ssmproto: invalid remote port %q", t.Port)
		}
		conn, err = net.Dial("tcp", net.JoinHostPort(t.Host, t.Port))
	}
	if err != nil {
		return nil, fmt.Errorf("ssmproto: dial: %w", err)
	}

	id, err := uuid.GenerateUUID()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssmproto: generate session id: %w", err)
	}

	entry := log
	if entry != nil {
		entry = entry.WithField("ssm_session_id", id)
	}

	s := &Session{
		conn:          conn,
		codec:         NewCodec(conn),
		sessionID:     id,
		log:           entry,
		authenticated: !t.Local,
	}
	if entry != nil {
		entry.WithField("transport", t.Host).Debug("ssmproto: session established")
	}
	return s, nil
}

// SendIdentity sends the identity frame, wrapped by mint for remote
// transports. Must be called exactly once, immediately after Dial.
func (s *Session) SendIdentity(id IdentityFrame, mint CredentialMint) error {
	raw, err := xml.Marshal(id)
	if err != nil {
		return fmt.Errorf("ssmproto: marshal identity: %w", err)
	}
	payload := raw
	if s.authenticated {
		payload, err = mint(raw)
		if err != nil {
			return fmt.Errorf("ssmproto: mint credential: %w", err)
		}
	}
	if err := s.codec.Write(payload); err != nil {
		return fmt.Errorf("ssmproto: send identity: %w", err)
	}
	return nil
}

// FetchServerConfig sends the get_serverconfig query and returns the
// validated response. It requires response/status == 0 and
// serverconfig/server_type == wantType, per §4.3 steps 3-4.
func (s *Session) FetchServerConfig(id IdentityFrame, wantType string) (*ServerConfigResponse, error) {
	req := NewGetServerConfigRequest(id)
	raw, err := xml.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("ssmproto: marshal query: %w", err)
	}
	if err := s.codec.Write(raw); err != nil {
		return nil, fmt.Errorf("ssmproto: send query: %w", err)
	}

	respRaw, err := s.codec.Read()
	if err != nil {
		return nil, fmt.Errorf("ssmproto: receive response: %w", err)
	}

	var resp ServerConfigResponse
	if err := xml.Unmarshal(respRaw, &resp); err != nil {
		return nil, fmt.Errorf("ssmproto: unmarshal response: %w", err)
	}
	if resp.Status != 0 {
		return nil, fmt.Errorf("ssmproto: SSM refused launch: %s", resp.Message)
	}
	if resp.RetValue.ServerConfig.ServerType != wantType {
		return nil, fmt.Errorf("ssmproto: SSM returned server_type %q, want %q",
			resp.RetValue.ServerConfig.ServerType, wantType)
	}
	return &resp, nil
}

// NotifyReady sends the update_x_avail newState=1 notification.
func (s *Session) NotifyReady(id IdentityFrame) error {
	return s.notify(id, XAvailReady)
}

// NotifyExit sends the update_x_avail newState=0 notification. Per §4.3,
// failure here is best-effort and must not change the caller's exit code.
func (s *Session) NotifyExit(id IdentityFrame) error {
	return s.notify(id, XAvailTornDown)
}

// NotifyForceKilled sends the update_x_avail newState=2 notification: the
// display server did not exit within the kill timeout after TERM and was
// escalated to SIGKILL. Best-effort, like NotifyExit.
func (s *Session) NotifyForceKilled(id IdentityFrame) error {
	return s.notify(id, XAvailForceKilled)
}

func (s *Session) notify(id IdentityFrame, newState int) error {
	req := NewUpdateXAvailRequest(id, newState)
	raw, err := xml.Marshal(req)
	if err != nil {
		return fmt.Errorf("ssmproto: marshal notification: %w", err)
	}
	if err := s.codec.Write(raw); err != nil {
		return fmt.Errorf("ssmproto: send notification: %w", err)
	}
	return nil
}

// Conn exposes the underlying connection so the event loop can select on it
// for peer-initiated close (§4.3's asynchronous teardown signal).
func (s *Session) Conn() net.Conn {
	return s.conn
}

// Close tears down the session.
func (s *Session) Close() error {
	return s.conn.Close()
}
