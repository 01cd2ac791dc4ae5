package urlports

import "testing"

func TestScrambleRoundTrip(t *testing.T) {
	tokens := []string{DefaultToken, "deadbeefdeadbeef", "a", ""}
	ports := []int{1, 80, 3838, 8787, 40123, 65535}
	for _, token := range tokens {
		for _, port := range ports {
			id := Scramble(token, port, false)
			if len(id) != 8 {
				t.Fatalf("Scramble(%q, %d) = %q, want 8 hex digits", token, port, id)
			}
			got, serverRoute := Unscramble(token, id)
			if got != port || serverRoute {
				t.Errorf("Unscramble(%q, %q) = (%d, %v), want (%d, false)", token, id, got, serverRoute, port)
			}
		}
	}
}

func TestScrambleServerRouteRoundTrip(t *testing.T) {
	id := Scramble("deadbeefdeadbeef", 3838, true)
	if len(id) != 9 {
		t.Fatalf("server-route id = %q, want 9 hex digits", id)
	}
	port, serverRoute := Unscramble("deadbeefdeadbeef", id)
	if port != 3838 || !serverRoute {
		t.Errorf("Unscramble = (%d, %v), want (3838, true)", port, serverRoute)
	}
}

func TestScrambleIsStable(t *testing.T) {
	if Scramble("tok", 8100, false) != Scramble("tok", 8100, false) {
		t.Error("Scramble not deterministic for the same token and port")
	}
}

func TestUnscrambleWrongTokenDoesNotRecoverPort(t *testing.T) {
	id := Scramble("token-one", 3838, false)
	port, _ := Unscramble("token-two", id)
	if port == 3838 {
		t.Error("a different token recovered the original port")
	}
}

func TestUnscrambleEmptyTokenFallsBackToDefault(t *testing.T) {
	id := Scramble(DefaultToken, 4040, false)
	port, _ := Unscramble("", id)
	if port != 4040 {
		t.Errorf("empty token should behave as the default token, got %d", port)
	}
}

func TestUnscrambleRejectsGarbage(t *testing.T) {
	tests := []struct {
		name string
		id   string
	}{
		{"too short", "1a2b"},
		{"too long", "1a2b3c4d5e6f"},
		{"non-hex", "zzzzzzzz"},
		{"nine digits without route bit", "012345678"},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if port, _ := Unscramble(DefaultToken, tt.id); port >= 0 {
				t.Errorf("Unscramble(%q) = %d, want negative", tt.id, port)
			}
		})
	}
}

func TestUnscrambleRejectsOutOfRangePort(t *testing.T) {
	// An id decoding to port 0 must be rejected.
	id := Scramble(DefaultToken, 0, false)
	if port, _ := Unscramble(DefaultToken, id); port >= 0 {
		t.Errorf("port 0 decoded to %d, want negative", port)
	}
}

func TestNewTokenShape(t *testing.T) {
	tok, err := NewToken()
	if err != nil {
		t.Fatalf("NewToken: %v", err)
	}
	if len(tok) != 16 {
		t.Errorf("token length = %d, want 16", len(tok))
	}
	tok2, _ := NewToken()
	if tok == tok2 {
		t.Error("two generated tokens are identical")
	}
}
