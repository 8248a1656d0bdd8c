package protocol

import (
	"encoding/base64"
	"sort"
	"strings"
)

// encodeEnvVars packs a set of bundled environment variables into the
// base64 block carried by the http protocol's !~Passenger-Envvars
// header: NUL-separated "KEY=value" pairs, base64-encoded. The session
// protocol sends the same variables as plain key/value pairs instead.
func encodeEnvVars(vars map[string]string) string {
	names := make([]string, 0, len(vars))
	for k := range vars {
		names = append(names, k)
	}
	sort.Strings(names)

	var raw strings.Builder
	for _, k := range names {
		raw.WriteString(k)
		raw.WriteByte('=')
		raw.WriteString(vars[k])
		raw.WriteByte(0)
	}
	return base64.StdEncoding.EncodeToString([]byte(raw.String()))
}

// decodeEnvVars is the inverse of encodeEnvVars, used by tests and by
// any in-process worker stand-in that needs to read the bundled block.
func decodeEnvVars(encoded string) (map[string]string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}
	out := map[string]string{}
	for _, entry := range strings.Split(string(raw), "\x00") {
		if entry == "" {
			continue
		}
		k, v, found := strings.Cut(entry, "=")
		if !found {
			continue
		}
		out[k] = v
	}
	return out, nil
}
