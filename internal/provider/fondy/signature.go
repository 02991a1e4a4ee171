// Package fondy реализует платёжный шлюз Fondy: подпись, checkout, статус и разбор webhook.
package fondy

import (
	"bytes"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"mime"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/vladislavdragonenkov/marketcore/internal/domain"
)

// Поля, которые не участвуют в подписи.
const (
	fieldSignature       = "signature"
	fieldResponseSignStr = "response_signature_string"
)

// Sign считает SHA1(secret|v1|v2|...) по полям, отсортированным по имени.
// Пустые значения и поля подписи пропускаются. Результат в hex нижнего регистра.
func Sign(secret string, payload map[string]any) string {
	keys := make([]string, 0, len(payload))
	for k := range payload {
		if k == fieldSignature || k == fieldResponseSignStr {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys)+1)
	parts = append(parts, secret)
	for _, k := range keys {
		v := valueString(payload[k])
		if v == "" {
			continue
		}
		parts = append(parts, v)
	}

	sum := sha1.Sum([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// Verify сравнивает подпись payload с ожидаемой.
func Verify(secret string, payload map[string]any) bool {
	got := strings.ToLower(strings.TrimSpace(valueString(payload[fieldSignature])))
	if got == "" {
		return false
	}
	want := Sign(secret, payload)
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// ParsePayload разбирает тело webhook: JSON или application/x-www-form-urlencoded.
func ParsePayload(contentType string, raw []byte) (map[string]any, error) {
	mediaType, _, _ := mime.ParseMediaType(contentType)
	trimmed := bytes.TrimSpace(raw)

	if mediaType == "application/x-www-form-urlencoded" || (mediaType != "application/json" && len(trimmed) > 0 && trimmed[0] != '{') {
		values, err := url.ParseQuery(string(trimmed))
		if err != nil {
			return nil, fmt.Errorf("%w: form payload: %v", domain.ErrValidation, err)
		}
		payload := make(map[string]any, len(values))
		for k, v := range values {
			if len(v) > 0 {
				payload[k] = v[0]
			}
		}
		return payload, nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: json payload: %v", domain.ErrValidation, err)
	}
	// Fondy может прислать {"response": {...}}.
	if inner, ok := payload["response"].(map[string]any); ok && len(payload) == 1 {
		return inner, nil
	}
	return payload, nil
}

func valueString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case json.Number:
		return x.String()
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		return strconv.FormatBool(x)
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
