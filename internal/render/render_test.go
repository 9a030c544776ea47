package render

import (
	"math/rand/v2"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func seeded() *rand.Rand {
	return rand.New(rand.NewPCG(1, 2))
}

func TestDisplayName(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"Aisyah", "Aisyah"},
		{"  Siti   Nur ", "Siti Nur"},
		{"Ali 😀!", "Ali"},
		{"60123456789", FallbackName},
		{"+60 12-345 6789", FallbackName},
		{"Kak2", "Kak"},
		{"", FallbackName},
		{"!!!", FallbackName},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			assert.Equal(t, tt.want, DisplayName(tt.raw))
		})
	}
}

func TestSpinResolvesEveryGroup(t *testing.T) {
	r := seeded()
	for i := 0; i < 50; i++ {
		out := Spin("{Hi|Hello|Hey} there, {promo {A|B}|deal}!", r)
		assert.NotContains(t, out, "{")
		assert.NotContains(t, out, "|")
		assert.True(t, strings.HasSuffix(out, "!"))
	}
}

func TestSpinCoversAlternatives(t *testing.T) {
	r := seeded()
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		seen[Spin("{a|b|c}", r)] = true
	}
	assert.Equal(t, map[string]bool{"a": true, "b": true, "c": true}, seen)
}

func TestSpinLeavesPlainBraces(t *testing.T) {
	assert.Equal(t, "{code} stays", Spin("{code} stays", seeded()))
}

func TestRenderWithoutGreeting(t *testing.T) {
	out := Render(`Hai {name},\nPromo<br>hari ini`, Context{Name: "60123456789", Rand: seeded()})
	assert.Equal(t, "Hai Cik,\nPromo\nhari ini", out)
}

func TestRenderIsDeterministicForSameSeed(t *testing.T) {
	ctx := func() Context {
		return Context{Name: "Aisyah", Now: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC), Rand: seeded(), Greeting: true}
	}
	tpl := "{Jom|Mari} {beli|cuba} {name}"
	assert.Equal(t, Render(tpl, ctx()), Render(tpl, ctx()))
}

func TestGreetingByHour(t *testing.T) {
	loc := time.FixedZone("MYT", 8*3600)
	tests := []struct {
		hour    int
		options []string
	}{
		{8, greetings[0]},
		{13, greetings[1]},
		{17, greetings[2]},
		{23, greetings[3]},
		{2, greetings[3]},
	}
	for _, tt := range tests {
		now := time.Date(2026, 1, 1, tt.hour, 0, 0, 0, loc)
		got := Greeting("Ali", now, seeded())
		var allowed []string
		for _, o := range tt.options {
			allowed = append(allowed, strings.ReplaceAll(o, "{name}", "Ali")+",")
		}
		assert.Contains(t, allowed, got, "hour %d", tt.hour)
	}
}

func TestRenderGreetingPrefix(t *testing.T) {
	out := Render("Promo", Context{Name: "Ali", Now: time.Date(2026, 1, 1, 20, 0, 0, 0, time.UTC), Rand: seeded(), Greeting: true})
	parts := strings.SplitN(out, "\n\n", 2)
	if assert.Len(t, parts, 2) {
		assert.True(t, strings.HasSuffix(parts[0], "Ali,"))
		assert.Equal(t, "Promo", parts[1])
	}
}
