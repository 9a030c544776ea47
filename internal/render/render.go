// Package render turns a stored template into the text sent to one recipient.
// Everything here is a pure function of the template and Context.
package render

import (
	"math/rand/v2"
	"regexp"
	"strings"
	"time"
	"unicode"
)

// FallbackName is used when the stored name is empty or is really a phone
// number.
const FallbackName = "Cik"

type Context struct {
	Name     string
	Phone    string
	Now      time.Time // in the display timezone
	Rand     *rand.Rand
	Greeting bool
}

var lineBreaks = strings.NewReplacer(
	`\r\n`, "\n",
	`\n`, "\n",
	"%0A", "\n",
	"%0a", "\n",
	"<br />", "\n",
	"<br/>", "\n",
	"<br>", "\n",
	"[br]", "\n",
	"{br}", "\n",
)

// innermost {a|b} group: no braces inside, at least one pipe.
var spinGroup = regexp.MustCompile(`\{([^{}|]*\|[^{}]*)\}`)

var greetings = [...][]string{
	{"Selamat pagi {name}", "Pagi {name}", "Assalamualaikum {name}"},
	{"Selamat tengahari {name}", "Salam {name}", "Hi {name}"},
	{"Selamat petang {name}", "Petang {name}", "Salam {name}"},
	{"Selamat malam {name}", "Malam {name}", "Maaf ganggu {name}", "Pinjam masa {name}"},
}

// Render applies line break normalization, {name} substitution and spintax,
// then prefixes a time-of-day greeting when ctx.Greeting is set.
func Render(template string, ctx Context) string {
	r := ctx.Rand
	if r == nil {
		r = rand.New(rand.NewPCG(0, 0))
	}
	name := DisplayName(ctx.Name)

	body := lineBreaks.Replace(template)
	body = strings.ReplaceAll(body, "{name}", name)
	body = Spin(body, r)

	if !ctx.Greeting {
		return body
	}
	return Greeting(name, ctx.Now, r) + "\n\n" + body
}

// Spin resolves every {a|b|c} group to one alternative, innermost first.
func Spin(s string, r *rand.Rand) string {
	for {
		next := spinGroup.ReplaceAllStringFunc(s, func(group string) string {
			options := strings.Split(group[1:len(group)-1], "|")
			return options[r.IntN(len(options))]
		})
		if next == s {
			return s
		}
		s = next
	}
}

// Greeting picks a greeting for the hour of now and appends a comma.
func Greeting(name string, now time.Time, r *rand.Rand) string {
	var slot int
	switch h := now.Hour(); {
	case h >= 5 && h < 12:
		slot = 0
	case h >= 12 && h < 15:
		slot = 1
	case h >= 15 && h < 19:
		slot = 2
	default:
		slot = 3
	}
	options := greetings[slot]
	return strings.ReplaceAll(options[r.IntN(len(options))], "{name}", name) + ","
}

// DisplayName keeps the letters and spaces of a stored name. Names that are
// mostly digits are phone numbers saved as names and get FallbackName.
func DisplayName(raw string) string {
	var digits, total int
	var b strings.Builder
	for _, r := range raw {
		if unicode.IsSpace(r) {
			b.WriteRune(r)
			continue
		}
		total++
		switch {
		case unicode.IsDigit(r):
			digits++
		case unicode.IsLetter(r):
			b.WriteRune(r)
		}
	}
	if total > 0 && digits*2 >= total {
		return FallbackName
	}
	cleaned := strings.Join(strings.Fields(b.String()), " ")
	if cleaned == "" {
		return FallbackName
	}
	return cleaned
}
