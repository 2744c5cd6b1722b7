package vcs

import (
	"net/mail"
	"strings"
)

// Author is a commit author as reported by the VCS.
type Author struct {
	Name  string
	Email string
}

// ParseAuthor accepts "Name <email>" or a bare e-mail address.
func ParseAuthor(s string) Author {
	s = strings.TrimSpace(s)
	if addr, err := mail.ParseAddress(s); err == nil {
		return Author{Name: addr.Name, Email: addr.Address}
	}
	if strings.Contains(s, "@") {
		return Author{Email: s}
	}
	return Author{Name: s}
}

// Username renders an author according to a VCS root username style:
// "userid" (e-mail local part), "email", "name" or "full".
func Username(a Author, style string) string {
	switch style {
	case "email":
		if a.Email != "" {
			return a.Email
		}
	case "name":
		if a.Name != "" {
			return a.Name
		}
	case "full":
		switch {
		case a.Name != "" && a.Email != "":
			return a.Name + " <" + a.Email + ">"
		case a.Email != "":
			return a.Email
		}
	default:
		if local, _, ok := strings.Cut(a.Email, "@"); ok && local != "" {
			return local
		}
	}
	if a.Name != "" {
		return a.Name
	}
	return a.Email
}
