// Package claims flattens TEE-specific claims trees into the namespaced
// key/value form consumed by reference lookups and policies.
package claims

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/ruteri/attestation-service/interfaces"
)

// Separator joins path segments in a normalized claim key.
//
// Segments consisting only of digits are array indices. Map keys may not take
// that form, so a list and a map never flatten to the same key. Empty maps and
// arrays carry no leaf and leave no trace in the output.
const Separator = "."

// Flatten converts a claims tree into "<tee>.<seg>.<seg>" keys with string values.
func Flatten(tee interfaces.Tee, raw interfaces.RawClaims) (interfaces.NormalizedClaims, error) {
	out := make(interfaces.NormalizedClaims)
	if err := flattenNode(out, string(tee), map[string]any(raw)); err != nil {
		return nil, err
	}
	return out, nil
}

func flattenNode(out interfaces.NormalizedClaims, prefix string, node any) error {
	switch v := node.(type) {
	case map[string]any:
		return flattenMap(out, prefix, v)
	case interfaces.RawClaims:
		return flattenMap(out, prefix, v)
	case []any:
		for i, elem := range v {
			if err := flattenNode(out, prefix+Separator+strconv.Itoa(i), elem); err != nil {
				return err
			}
		}
		return nil
	case []string:
		for i, elem := range v {
			out[prefix+Separator+strconv.Itoa(i)] = elem
		}
		return nil
	}

	leaf, err := leafString(node)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", interfaces.ErrMalformedClaims, prefix, err)
	}
	out[prefix] = leaf
	return nil
}

func flattenMap(out interfaces.NormalizedClaims, prefix string, m map[string]any) error {
	// Sorted so error reporting is deterministic
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if k == "" || strings.Contains(k, Separator) || isIndex(k) {
			return fmt.Errorf("%w: invalid key segment %q under %s", interfaces.ErrMalformedClaims, k, prefix)
		}
		if err := flattenNode(out, prefix+Separator+k, m[k]); err != nil {
			return err
		}
	}
	return nil
}

func isIndex(segment string) bool {
	for _, r := range segment {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func leafString(node any) (string, error) {
	switch v := node.(type) {
	case string:
		return v, nil
	case bool:
		return strconv.FormatBool(v), nil
	case []byte:
		return hex.EncodeToString(v), nil
	case json.Number:
		return v.String(), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32), nil
	case int:
		return strconv.FormatInt(int64(v), 10), nil
	case int32:
		return strconv.FormatInt(int64(v), 10), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case uint:
		return strconv.FormatUint(uint64(v), 10), nil
	case uint8:
		return strconv.FormatUint(uint64(v), 10), nil
	case uint16:
		return strconv.FormatUint(uint64(v), 10), nil
	case uint32:
		return strconv.FormatUint(uint64(v), 10), nil
	case uint64:
		return strconv.FormatUint(v, 10), nil
	case nil:
		return "", fmt.Errorf("null leaf")
	default:
		return "", fmt.Errorf("unsupported leaf type %T", node)
	}
}
