package sandbox

import (
	"strings"

	"github.com/pithecene-io/kilnbox/types"
)

// PickEnv returns the subset of environ visible to the plugin: exactly
// the allow-listed keys, with "PREFIX*" wildcard expansion. The result
// is a fresh map; an empty allow list yields an empty map.
func (g *Guard) PickEnv(environ []string) map[string]string {
	return PickAllowedEnv(g.perms.Env, environ)
}

// PickAllowedEnv applies an env allow list to environ. It is the
// guard's filter exposed standalone so failure snapshots can reproduce
// the environment a handler saw without building a guard.
func PickAllowedEnv(spec types.EnvPermissions, environ []string) map[string]string {
	out := make(map[string]string)
	if len(spec.Allow) == 0 {
		return out
	}
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if envAllowed(spec.Allow, k) {
			out[k] = v
		}
	}
	return out
}

func envAllowed(allow []string, key string) bool {
	for _, a := range allow {
		if prefix, isWild := strings.CutSuffix(a, "*"); isWild {
			if strings.HasPrefix(key, prefix) {
				return true
			}
			continue
		}
		if key == a {
			return true
		}
	}
	return false
}
