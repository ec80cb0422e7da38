package core

import (
	"fmt"
	"os"
	"os/user"
	"runtime"
	"strings"

	"github.com/google/uuid"
)

const (
	adapterMarker = "|ADAPTER|"
	typeMarker    = "|TYPE|"
)

// SignatureInfo is a parsed discovery signature.
type SignatureInfo struct {
	Display     string
	User        string
	Host        string
	Platform    string
	Adapter     string
	AdapterType string
}

// Name is the user-facing label: the user when known, else the host.
func (s SignatureInfo) Name() string {
	if s.User != "" {
		return s.User
	}
	return s.Host
}

// BuildSignature renders "User at Host (Platform)", or "Host (Platform)"
// when user is empty.
func BuildSignature(userName, host, platform string) string {
	if platform == "" {
		platform = Platform()
	}
	if userName == "" {
		return fmt.Sprintf("%s (%s)", host, platform)
	}
	return fmt.Sprintf("%s at %s (%s)", userName, host, platform)
}

// WithAdapter appends adapter metadata to sig.
func WithAdapter(sig, adapter string, typ InterfaceType) string {
	sig = StripAdapter(sig)
	if adapter == "" {
		return sig
	}
	if typ == "" {
		return sig + adapterMarker + adapter
	}
	return sig + adapterMarker + adapter + typeMarker + string(typ)
}

// StripAdapter removes any adapter metadata so sig can be displayed or
// compared with our own.
func StripAdapter(sig string) string {
	before, _, _ := strings.Cut(sig, adapterMarker)
	return before
}

func ParseSignature(sig string) SignatureInfo {
	display, meta, hasMeta := strings.Cut(sig, adapterMarker)
	info := SignatureInfo{Display: display}

	if hasMeta {
		adapter, typ, _ := strings.Cut(meta, typeMarker)
		info.Adapter = adapter
		info.AdapterType = typ
	}

	rest := display
	if strings.HasSuffix(rest, ")") {
		if open := strings.LastIndex(rest, " ("); open >= 0 {
			info.Platform = rest[open+2 : len(rest)-1]
			rest = rest[:open]
		}
	}

	if at := strings.LastIndex(rest, " at "); at >= 0 {
		info.User = rest[:at]
		info.Host = rest[at+4:]
	} else {
		info.Host = rest
	}

	return info
}

// Platform names the running OS the way peers display it.
func Platform() string {
	switch runtime.GOOS {
	case "linux":
		return "Linux"
	case "windows":
		return "Windows"
	case "darwin":
		return "macOS"
	case "android":
		return "Android"
	case "ios":
		return "iOS"
	default:
		return runtime.GOOS
	}
}

func hostname() string {
	hn, err := os.Hostname()
	if err != nil || hn == "" {
		hn = fmt.Sprintf("%s-%s", "unknown", uuid.NewString()[:8])
	}
	return hn
}

func username() string {
	u, err := user.Current()
	if err != nil {
		return os.Getenv("USER")
	}

	name := u.Username
	// DOMAIN\user on Windows
	if _, after, ok := strings.Cut(name, `\`); ok {
		name = after
	}
	return name
}

// DefaultSignature builds the signature for this machine.
func DefaultSignature() string {
	return BuildSignature(username(), hostname(), Platform())
}
