package transport

import "errors"

// ErrAuth reports a credential denial, carrying the server's message so
// a caller can reprompt.
var ErrAuth = errors.New("authentication failed")

// CredentialItem is one prompt in a credential exchange. Providers
// mutate items in place; the requester inspects them after the callback
// returns.
type CredentialItem interface {
	Prompt() string
	Secure() bool
	Clear()
}

type credentialBase struct {
	prompt string
	secure bool
}

func (c credentialBase) Prompt() string { return c.prompt }
func (c credentialBase) Secure() bool   { return c.secure }

// StringCred requests a free-form string value.
type StringCred struct {
	credentialBase
	Value string
}

// NewStringCred returns a string item with the given prompt.
func NewStringCred(prompt string, secure bool) *StringCred {
	return &StringCred{credentialBase: credentialBase{prompt: prompt, secure: secure}}
}

func (c *StringCred) Clear() { c.Value = "" }

// CharArrayCred requests a secret held in a clearable byte slice.
type CharArrayCred struct {
	credentialBase
	Value []byte
}

// NewCharArrayCred returns a char-array item with the given prompt.
func NewCharArrayCred(prompt string, secure bool) *CharArrayCred {
	return &CharArrayCred{credentialBase: credentialBase{prompt: prompt, secure: secure}}
}

// Clear zeroes the stored secret before releasing it.
func (c *CharArrayCred) Clear() {
	for i := range c.Value {
		c.Value[i] = 0
	}
	c.Value = nil
}

// YesNoCred requests a boolean decision.
type YesNoCred struct {
	credentialBase
	Value bool
}

// NewYesNoCred returns a yes/no item with the given prompt.
func NewYesNoCred(prompt string) *YesNoCred {
	return &YesNoCred{credentialBase: credentialBase{prompt: prompt}}
}

func (c *YesNoCred) Clear() { c.Value = false }

// InfoCred carries a message to display; it holds no value.
type InfoCred struct {
	credentialBase
}

// NewInfoCred returns an informational item.
func NewInfoCred(message string) *InfoCred {
	return &InfoCred{credentialBase: credentialBase{prompt: message}}
}

func (c *InfoCred) Clear() {}

// Username is a StringCred preconfigured for user names.
func Username() *StringCred { return NewStringCred("Username", false) }

// Password is a CharArrayCred preconfigured for passwords.
func Password() *CharArrayCred { return NewCharArrayCred("Password", true) }

// CredentialsProvider fills a batch of items for a given URI. Returning
// false means the user declined.
type CredentialsProvider interface {
	Get(uri string, items ...CredentialItem) bool
}

// CredentialsProviderFunc adapts a function to CredentialsProvider.
type CredentialsProviderFunc func(uri string, items ...CredentialItem) bool

func (f CredentialsProviderFunc) Get(uri string, items ...CredentialItem) bool {
	return f(uri, items...)
}
