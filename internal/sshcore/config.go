// Package sshcore implements the SSH Session Core: transport dialing
// (direct or via proxy), jump-host chain authentication, host-key
// policy enforcement, and the channel operations (shell, exec, sftp)
// exposed once a session is established.
package sshcore

import (
	"time"
)

// AuthKind discriminates the connect-time AuthMethod variant. Unlike
// catalog.AuthMethod, fields here hold resolved plaintext, not refs.
type AuthKind int

const (
	AuthPassword AuthKind = iota
	AuthKey
	AuthAgent
	AuthKeyboardInteractive
	AuthCertificate
)

// AuthMethod is the connect-time (resolved) form of an auth choice —
// "connect-time variant" in spec.md's glossary.
type AuthMethod struct {
	Kind AuthKind

	Password string // AuthPassword

	PrivateKeyPath string // AuthKey, AuthCertificate
	Passphrase     string // AuthKey, AuthCertificate

	CertPath string // AuthCertificate
}

// JumpHost is one intermediate hop in the chain to the final endpoint.
type JumpHost struct {
	Host       string
	Port       int
	Username   string
	AuthMethod AuthMethod
}

// HostKeyPolicy controls how an unknown/mismatched host key is handled.
type HostKeyPolicy int

const (
	PolicyStrict HostKeyPolicy = iota
	PolicyAcceptNew
	PolicyInsecureAcceptAny
)

// ProxyType selects the tunneling protocol used to reach the first hop.
type ProxyType int

const (
	ProxySocks5 ProxyType = iota
	ProxyHTTPConnect
)

// ProxyConfig describes the single proxy hop allowed before the first
// SSH endpoint.
type ProxyConfig struct {
	Type     ProxyType
	Host     string
	Port     int
	Username string
	Password string
}

// KeyboardPrompt is one prompt presented by a keyboard-interactive exchange.
type KeyboardPrompt struct {
	Prompt string
	Echo   bool
}

// KeyboardInteractiveHandler is implemented by the caller (UI or test
// harness) to answer server prompts; the core never prompts directly.
type KeyboardInteractiveHandler interface {
	Respond(prompts []KeyboardPrompt) ([]string, error)
}

// ConnectConfig is the fully resolved, transient form of a catalog
// Connection: plaintext secrets, effective policy, timeouts.
type ConnectConfig struct {
	Host             string
	Port             int
	Username         string
	AuthMethod       AuthMethod
	JumpHosts        []JumpHost
	Proxy            *ProxyConfig
	HostKeyPolicy    HostKeyPolicy
	KnownHostsPath   string
	KeepaliveInterval time.Duration
	ConnectTimeout   time.Duration
	RequestPTY       bool
	Term             string
	TermWidth        int
	TermHeight       int
	Env              []EnvPair
	StartupCommands  []string
	AgentForwarding  bool
	X11Forwarding    bool

	KeyboardInteractive KeyboardInteractiveHandler
}

// EnvPair is one environment variable set on the shell/exec channel.
type EnvPair struct {
	Key   string
	Value string
}
