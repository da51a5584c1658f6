package ssh

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// Kind 区分失败类型, 调用方据此决定是否重试以及如何提示
type Kind int

const (
	KindConnection Kind = iota
	KindHandshake
	KindHostKeyMismatch
	KindAuthentication
	KindOperation
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindHandshake:
		return "handshake"
	case KindHostKeyMismatch:
		return "host key mismatch"
	case KindAuthentication:
		return "authentication"
	case KindOperation:
		return "operation"
	case KindCancelled:
		return "cancelled"
	}
	return "unknown"
}

// 失败阶段, 写入错误信息便于定位
const (
	StageBastionConnect   = "bastion connect"
	StageBastionHandshake = "bastion handshake"
	StageBastionAuth      = "bastion auth"
	StageConnect          = "connect"
	StageForward          = "local forward"
	StageHandshake        = "handshake"
	StageHostKey          = "host key verification"
	StageAuth             = "auth"
	StageOperation        = "operation"
)

var (
	// ErrCancelled 协作式取消, 与普通失败区分
	ErrCancelled = errors.New("cancelled")
	// ErrClosed 会话已关闭
	ErrClosed = errors.New("session closed")
)

type Error struct {
	Kind  Kind
	Stage string
	Addr  string
	Err   error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s failed", e.Stage)
	if e.Addr != "" {
		msg += " for " + e.Addr
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if hint := e.hint(); hint != "" {
		msg += " (" + hint + ")"
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable 只有网络层/超时错误值得重新建立连接
func (e *Error) Retryable() bool { return e.Kind == KindConnection }

func (e *Error) hint() string {
	switch e.Kind {
	case KindHostKeyMismatch:
		return "the host key changed; remove the stale known_hosts entry only if the change is expected"
	case KindAuthentication:
		if strings.Contains(e.Stage, "bastion") {
			return "check the jump host username and password"
		}
		if e.Err != nil && strings.Contains(e.Err.Error(), "passphrase") {
			return "check the private key passphrase"
		}
		return "check the username and credentials"
	case KindConnection:
		return "check the address, port and network reachability"
	}
	return ""
}

func newError(kind Kind, stage, addr string, err error) *Error {
	return &Error{Kind: kind, Stage: stage, Addr: addr, Err: err}
}

// KindOf 返回错误链中第一个 *Error 的类型, 其它错误视为 KindOperation
func KindOf(err error) Kind {
	if errors.Is(err, ErrCancelled) {
		return KindCancelled
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindOperation
}

func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}

// classifyDialError 建立 TCP 连接阶段的错误一律归为连接错误
func classifyDialError(stage, addr string, err error) *Error {
	return newError(KindConnection, stage, addr, err)
}

// classifyHandshakeError 区分握手、认证和超时
func classifyHandshakeError(handshakeStage, authStage, addr string, err error) *Error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return newError(KindConnection, handshakeStage, addr, err)
	}
	msg := err.Error()
	if strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "no supported methods remain") {
		return newError(KindAuthentication, authStage, addr, err)
	}
	if strings.Contains(msg, "connection reset") || strings.Contains(msg, "broken pipe") {
		return newError(KindConnection, handshakeStage, addr, err)
	}
	return newError(KindHandshake, handshakeStage, addr, err)
}
