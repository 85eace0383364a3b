package channel

import "strings"

// Kind tags a Channel with its protocol variant. Rather than a class
// hierarchy, each variant's subscribe/broadcast behavior is expressed as a
// handful of boolean traits checked by Channel's methods — the "tagged
// variant with composable pre/post steps" shape spec.md §9 calls for.
type Kind int

const (
	KindPublic Kind = iota
	KindPrivate
	KindPresence
	KindCache
	KindPrivateCache
	KindPresenceCache
	KindEncryptedPrivate
)

// prefixTable is checked longest-prefix-first per spec.md §4.2.
var prefixTable = []struct {
	prefix string
	kind   Kind
}{
	{"private-encrypted-", KindEncryptedPrivate},
	{"private-cache-", KindPrivateCache},
	{"presence-cache-", KindPresenceCache},
	{"cache-", KindCache},
	{"private-", KindPrivate},
	{"presence-", KindPresence},
}

// KindForName resolves a channel's Kind from its name prefix.
func KindForName(name string) Kind {
	for _, row := range prefixTable {
		if strings.HasPrefix(name, row.prefix) {
			return row.kind
		}
	}
	return KindPublic
}

// RequiresAuth reports whether subscribing to this kind requires a valid
// HMAC auth token (spec.md §4.2 "Authorization for Private-family").
func (k Kind) RequiresAuth() bool {
	switch k {
	case KindPrivate, KindPresence, KindPrivateCache, KindPresenceCache, KindEncryptedPrivate:
		return true
	default:
		return false
	}
}

// IsPresence reports whether this kind maintains presence (user_id) state.
func (k Kind) IsPresence() bool {
	return k == KindPresence || k == KindPresenceCache
}

// IsCache reports whether this kind replays a last-seen payload to new
// subscribers.
func (k Kind) IsCache() bool {
	return k == KindCache || k == KindPrivateCache || k == KindPresenceCache
}

// IsPrivateFamily reports whether client-* events are permitted on this
// kind once a connection is subscribed (spec.md §4.3).
func (k Kind) IsPrivateFamily() bool {
	return k.RequiresAuth()
}

func (k Kind) String() string {
	switch k {
	case KindPublic:
		return "public"
	case KindPrivate:
		return "private"
	case KindPresence:
		return "presence"
	case KindCache:
		return "cache"
	case KindPrivateCache:
		return "private-cache"
	case KindPresenceCache:
		return "presence-cache"
	case KindEncryptedPrivate:
		return "private-encrypted"
	default:
		return "unknown"
	}
}
