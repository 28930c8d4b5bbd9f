// Package payment turns the free-form payment details a participant types
// into routing information that can be shown next to a transaction, and
// renders PromptPay QR codes for recipients that have a PromptPay id.
package payment

import (
	"regexp"
	"strings"

	"cheersplit/internal/core"
)

type Kind string

const (
	KindNone       Kind = "none"
	KindPromptPay  Kind = "promptpay"
	KindBSB        Kind = "bsb"
	KindPayIDEmail Kind = "payid_email"
	KindPayIDPhone Kind = "payid_phone"
	KindText       Kind = "text"
)

var (
	promptPayRegex = regexp.MustCompile(`^(\d{10}|\d{13}|ewallet-\d+)$`)
	bsbRegex       = regexp.MustCompile(`(?i)^(?:bsb[:\s]*)?(\d{3})[-\s]?(\d{3})[\s,/]+(?:(?:acc(?:ount)?|a/c)(?:\s*no\.?)?[:\s#]*)?(\d{6,10})$`)
	emailRegex     = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	auMobileRegex  = regexp.MustCompile(`^(?:\+614\d{8}|04\d{8})$`)
	auPhoneRegex   = regexp.MustCompile(`^\+61\d{9}$`)
)

// Routing is the parsed form of a participant's payment details. Raw always
// holds the trimmed text as typed.
type Routing struct {
	Kind    Kind   `json:"kind"`
	Raw     string `json:"raw,omitempty"`
	Value   string `json:"value,omitempty"` // normalized id, email or phone
	BSB     string `json:"bsb,omitempty"`   // "062-000"
	Account string `json:"account,omitempty"`
}

// Parse classifies payment details. Anything it cannot recognise is kept as
// KindText so it can still be displayed verbatim.
func Parse(details string) Routing {
	raw := strings.TrimSpace(details)
	if raw == "" {
		return Routing{Kind: KindNone}
	}

	if emailRegex.MatchString(raw) {
		return Routing{Kind: KindPayIDEmail, Raw: raw, Value: strings.ToLower(raw)}
	}

	if m := bsbRegex.FindStringSubmatch(raw); m != nil {
		return Routing{Kind: KindBSB, Raw: raw, BSB: m[1] + "-" + m[2], Account: m[3]}
	}

	compact := strings.NewReplacer(" ", "", "-", "", "(", "", ")", "").Replace(raw)

	// 04xxxxxxxx is an Australian mobile before it is a Thai phone number
	if auMobileRegex.MatchString(compact) || auPhoneRegex.MatchString(compact) {
		return Routing{Kind: KindPayIDPhone, Raw: raw, Value: compact}
	}

	if strings.HasPrefix(strings.ToLower(raw), "ewallet-") && promptPayRegex.MatchString(strings.ToLower(raw)) {
		return Routing{Kind: KindPromptPay, Raw: raw, Value: raw[len("ewallet-"):]}
	}
	if promptPayRegex.MatchString(compact) {
		return Routing{Kind: KindPromptPay, Raw: raw, Value: compact}
	}

	return Routing{Kind: KindText, Raw: raw, Value: raw}
}

// Label is the short human-readable rendering used by the UI and the CLI.
func (r Routing) Label() string {
	switch r.Kind {
	case KindNone:
		return ""
	case KindPromptPay:
		return "PromptPay " + r.Value
	case KindBSB:
		return "BSB " + r.BSB + " ACC " + r.Account
	case KindPayIDEmail, KindPayIDPhone:
		return "PayID " + r.Value
	default:
		return r.Raw
	}
}

// HasQR reports whether QRCode can render this routing.
func (r Routing) HasQR() bool {
	return r.Kind == KindPromptPay
}

// Resolve finds the recipient of a transaction. Transactions only carry names,
// so the first participant with a matching name wins.
func Resolve(participants []core.Participant, to string) (core.Participant, bool) {
	return core.Group{Participants: participants}.FindByName(to)
}
