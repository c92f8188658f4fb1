package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tu "github.com/mymmrac/telego/telegoutil"
)

// ErrUnavailable means the launch data does not identify a user. Nothing can
// proceed without an identity.
var ErrUnavailable = errors.New("user identity unavailable")

type Identity struct {
	ID           string
	FirstName    string
	Username     string
	PhotoURL     string
	LanguageCode string
	IsPremium    bool
}

type webAppUser struct {
	ID           int64  `json:"id"`
	FirstName    string `json:"first_name"`
	Username     string `json:"username"`
	PhotoURL     string `json:"photo_url"`
	LanguageCode string `json:"language_code"`
	IsPremium    bool   `json:"is_premium"`
}

// Parse validates Mini App init data signed for botToken and returns the
// user and the inviter id carried in start_param, if any. Data older than
// maxAge is rejected; a zero maxAge disables the check.
func Parse(botToken, initData string, maxAge time.Duration, now time.Time) (Identity, string, error) {
	if initData == "" {
		return Identity{}, "", fmt.Errorf("%w: empty init data", ErrUnavailable)
	}

	values, err := tu.ValidateWebAppData(botToken, initData)
	if err != nil {
		return Identity{}, "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if maxAge > 0 {
		authDate, err := strconv.ParseInt(values.Get("auth_date"), 10, 64)
		if err != nil {
			return Identity{}, "", fmt.Errorf("%w: bad auth_date", ErrUnavailable)
		}
		if now.Sub(time.Unix(authDate, 0)) > maxAge {
			return Identity{}, "", fmt.Errorf("%w: init data expired", ErrUnavailable)
		}
	}

	var u webAppUser
	if err := json.Unmarshal([]byte(values.Get("user")), &u); err != nil {
		return Identity{}, "", fmt.Errorf("%w: bad user payload", ErrUnavailable)
	}
	if u.ID == 0 {
		return Identity{}, "", fmt.Errorf("%w: missing user id", ErrUnavailable)
	}

	id := Identity{
		ID:           strconv.FormatInt(u.ID, 10),
		FirstName:    u.FirstName,
		Username:     u.Username,
		PhotoURL:     u.PhotoURL,
		LanguageCode: u.LanguageCode,
		IsPremium:    u.IsPremium,
	}
	return id, Inviter(values.Get("start_param")), nil
}

// Inviter extracts the inviting user id from a launch parameter. Anything
// that is not a plain user id is ignored.
func Inviter(param string) string {
	param = strings.TrimSpace(param)
	if param == "" {
		return ""
	}
	if _, err := strconv.ParseInt(param, 10, 64); err != nil {
		return ""
	}
	return param
}
