package session

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/Ducheved/catsolle/internal/apperr"
	"github.com/Ducheved/catsolle/internal/catalog"
	"github.com/Ducheved/catsolle/internal/config"
	"github.com/Ducheved/catsolle/internal/sshcore"
)

// buildSSHConfig resolves conn's own auth_method and delegates to
// buildSSHConfigWithAuth.
func (m *Manager) buildSSHConfig(conn *catalog.Connection, master string, kb sshcore.KeyboardInteractiveHandler) (sshcore.ConnectConfig, error) {
	auth, err := m.mapAuth(conn.AuthMethod, master)
	if err != nil {
		return sshcore.ConnectConfig{}, err
	}
	return m.buildSSHConfigWithAuth(conn, auth, master, kb)
}

// buildSSHConfigWithAuth builds a fully resolved ConnectConfig from a
// catalog Connection given an already-resolved final-hop AuthMethod —
// the split the original made so a caller-supplied password (not the
// catalog auth_method) can be substituted for the final hop while jump
// hosts still resolve through the Vault.
func (m *Manager) buildSSHConfigWithAuth(conn *catalog.Connection, auth sshcore.AuthMethod, master string, kb sshcore.KeyboardInteractiveHandler) (sshcore.ConnectConfig, error) {
	jumpHosts := make([]sshcore.JumpHost, 0, len(conn.JumpHosts))
	for _, jh := range conn.JumpHosts {
		mapped, err := m.mapJumpHost(jh, master)
		if err != nil {
			return sshcore.ConnectConfig{}, err
		}
		jumpHosts = append(jumpHosts, mapped)
	}

	proxy, err := m.mapProxy(conn.Proxy, master)
	if err != nil {
		return sshcore.ConnectConfig{}, err
	}

	knownHostsPath, err := defaultKnownHostsPath()
	if err != nil {
		return sshcore.ConnectConfig{}, fmt.Errorf("session: %w: resolve known_hosts path: %w", apperr.ErrIO, err)
	}

	env := make([]sshcore.EnvPair, 0, len(conn.EnvVars))
	for _, e := range conn.EnvVars {
		env = append(env, sshcore.EnvPair{Key: e.Key, Value: e.Value})
	}

	return sshcore.ConnectConfig{
		Host:                conn.Host,
		Port:                conn.Port,
		Username:            conn.Username,
		AuthMethod:          auth,
		JumpHosts:           jumpHosts,
		Proxy:               proxy,
		HostKeyPolicy:       hostKeyPolicyFromString(m.cfg.SSH.HostKeyPolicy),
		KnownHostsPath:      knownHostsPath,
		KeepaliveInterval:   time.Duration(m.cfg.SSH.KeepaliveInterval) * time.Second,
		ConnectTimeout:      time.Duration(m.cfg.SSH.ConnectTimeoutMs) * time.Millisecond,
		RequestPTY:          true,
		Term:                m.cfg.SSH.Term,
		TermWidth:           m.cfg.SSH.TermWidth,
		TermHeight:          m.cfg.SSH.TermHeight,
		Env:                 env,
		StartupCommands:     conn.StartupCommands,
		AgentForwarding:     m.cfg.SSH.AgentForwarding,
		KeyboardInteractive: kb,
	}, nil
}

// mapAuth resolves a catalog AuthMethod's secret_ref/passphrase_ref
// fields into a connect-time variant carrying plaintext. Agent and
// keyboard-interactive methods carry no secret and pass straight
// through.
func (m *Manager) mapAuth(am catalog.AuthMethod, master string) (sshcore.AuthMethod, error) {
	switch am.Kind {
	case catalog.AuthPassword:
		secret, err := m.resolveSecret(am.SecretRef, master)
		if err != nil {
			return sshcore.AuthMethod{}, err
		}
		return sshcore.AuthMethod{Kind: sshcore.AuthPassword, Password: secret}, nil

	case catalog.AuthKey:
		var passphrase string
		if am.PassphraseRef != "" {
			secret, err := m.resolveSecret(am.PassphraseRef, master)
			if err != nil {
				return sshcore.AuthMethod{}, err
			}
			passphrase = secret
		}
		return sshcore.AuthMethod{
			Kind:           sshcore.AuthKey,
			PrivateKeyPath: am.PrivateKeyPath,
			Passphrase:     passphrase,
		}, nil

	case catalog.AuthCertificate:
		var passphrase string
		if am.PassphraseRef != "" {
			secret, err := m.resolveSecret(am.PassphraseRef, master)
			if err != nil {
				return sshcore.AuthMethod{}, err
			}
			passphrase = secret
		}
		return sshcore.AuthMethod{
			Kind:           sshcore.AuthCertificate,
			PrivateKeyPath: am.PrivateKeyPath,
			Passphrase:     passphrase,
			CertPath:       am.CertPath,
		}, nil

	case catalog.AuthAgent:
		return sshcore.AuthMethod{Kind: sshcore.AuthAgent}, nil

	case catalog.AuthKeyboardInteractive:
		return sshcore.AuthMethod{Kind: sshcore.AuthKeyboardInteractive}, nil

	default:
		return sshcore.AuthMethod{}, fmt.Errorf("session: %w: auth kind %q", apperr.ErrUnsupported, am.Kind)
	}
}

// mapJumpHost resolves one jump hop's own auth_method the same way as
// the final hop.
func (m *Manager) mapJumpHost(jh catalog.JumpHost, master string) (sshcore.JumpHost, error) {
	auth, err := m.mapAuth(jh.AuthMethod, master)
	if err != nil {
		return sshcore.JumpHost{}, err
	}
	return sshcore.JumpHost{
		Host:       jh.Host,
		Port:       jh.Port,
		Username:   jh.Username,
		AuthMethod: auth,
	}, nil
}

// mapProxy resolves a catalog ProxyConfig's optional password_ref.
func (m *Manager) mapProxy(p *catalog.ProxyConfig, master string) (*sshcore.ProxyConfig, error) {
	if p == nil {
		return nil, nil
	}

	var password string
	if p.PasswordRef != "" {
		secret, err := m.resolveSecret(p.PasswordRef, master)
		if err != nil {
			return nil, err
		}
		password = secret
	}

	proxyType := sshcore.ProxyHTTPConnect
	if p.ProxyType == catalog.ProxySocks5 {
		proxyType = sshcore.ProxySocks5
	}

	return &sshcore.ProxyConfig{
		Type:     proxyType,
		Host:     p.Host,
		Port:     p.Port,
		Username: p.Username,
		Password: password,
	}, nil
}

func (m *Manager) resolveSecret(ref string, master string) (string, error) {
	secret, ok, err := m.vault.Get(ref, master)
	if err != nil {
		return "", fmt.Errorf("session: resolve %s: %w", ref, err)
	}
	if !ok {
		return "", fmt.Errorf("session: %w: %s", apperr.ErrMissingCredential, ref)
	}
	return secret, nil
}

// hostKeyPolicyFromString maps the config file's string tunable onto
// the sshcore enum, defaulting to AcceptNew for anything unrecognized.
func hostKeyPolicyFromString(s string) sshcore.HostKeyPolicy {
	switch strings.ToLower(s) {
	case "strict":
		return sshcore.PolicyStrict
	case "insecure_accept_any":
		return sshcore.PolicyInsecureAcceptAny
	default:
		return sshcore.PolicyAcceptNew
	}
}

// defaultKnownHostsPath returns $HOME/.ssh/known_hosts (or the
// %USERPROFILE% equivalent), matching the original's fallback chain.
func defaultKnownHostsPath() (string, error) {
	sshHome, err := config.SSHHome()
	if err != nil {
		return "", err
	}
	return filepath.Join(sshHome, "known_hosts"), nil
}
