// Package callerid holds the caller identity value type used throughout the
// channel tracker. A CallerID is a plain immutable value: every override
// operation returns a modified copy and the zero value is usable.
package callerid

import "fmt"

// CallerID describes one identity on a PBX channel: the account code the
// channel belongs to, the display name and number presented to the far end,
// and whether that presentation is public (CLIP) or withheld (CLIR).
type CallerID struct {
	Code     int    `json:"code"`
	Name     string `json:"name"`
	Number   string `json:"number"`
	IsPublic bool   `json:"is_public"`
}

// New returns a public CallerID with the given account code, name and number.
func New(code int, name, number string) CallerID {
	return CallerID{Code: code, Name: name, Number: number, IsPublic: true}
}

// WithCode returns a copy of c with the account code replaced.
func (c CallerID) WithCode(code int) CallerID {
	c.Code = code
	return c
}

// WithIdentity returns a copy of c with the presented name, number and
// public flag replaced. The account code is kept.
func (c CallerID) WithIdentity(name, number string, isPublic bool) CallerID {
	c.Name = name
	c.Number = number
	c.IsPublic = isPublic
	return c
}

// String renders the identity the way it shows up in trace logs, e.g.
// "Foo bar" <+31501234567> (code 126680001). Withheld numbers are marked.
func (c CallerID) String() string {
	pres := ""
	if !c.IsPublic {
		pres = " (private)"
	}
	return fmt.Sprintf("%q <%s>%s (code %d)", c.Name, c.Number, pres, c.Code)
}
