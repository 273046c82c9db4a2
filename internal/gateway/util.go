package gateway

import (
	"bytes"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// flexInt decodes integers that providers send either as numbers or as
// quoted strings ("expires_in": "3599").
type flexInt int64

func (f *flexInt) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	s := strings.Trim(string(data), `"`)
	if s == "" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		fl, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil {
			return err
		}
		n = int64(fl)
	}
	*f = flexInt(n)
	return nil
}

func (f flexInt) String() string {
	return strconv.FormatInt(int64(f), 10)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func sortStrings(s []string) {
	sort.Strings(s)
}

// withToken appends the callback token to a URL we hand to a rail, so the
// callbacks it sends there can be told apart from forged ones.
func withToken(raw, token string) (string, error) {
	if token == "" || raw == "" {
		return raw, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
