package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/yourusername/slimpdf/internal/tier"
)

// APIKeyPrefix は発行済みAPIキーの接頭辞です。
const APIKeyPrefix = "sk_"

// Identity は利用回数を数える単位となる呼び出し元です。
type Identity struct {
	// Key は利用回数の集計キーです（"key:…" または "ip:…"）。
	Key       string
	Tier      tier.Name
	Anonymous bool
}

// Anonymous は接続元IPで集計する匿名の呼び出し元を返します。
func Anonymous(ip string) Identity {
	if ip == "" {
		ip = "unknown"
	}
	return Identity{Key: "ip:" + ip, Tier: tier.Free, Anonymous: true}
}

// APIKey はAPIキーで識別される呼び出し元を返します。
// キーそのものは保存せず、ハッシュの先頭だけを集計キーに使います。
func APIKey(key string, name tier.Name) Identity {
	sum := sha256.Sum256([]byte(key))
	return Identity{Key: "key:" + hex.EncodeToString(sum[:8]), Tier: name}
}

// OwnerID はジョブ記録に残す所有者IDです。匿名なら空です。
func (i Identity) OwnerID() string {
	if i.Anonymous {
		return ""
	}
	return i.Key
}

func bearerToken(header string) string {
	const prefix = "bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
