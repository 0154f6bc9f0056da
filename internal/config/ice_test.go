package config

import "testing"

func TestParseICEServersJSON(t *testing.T) {
	t.Parallel()

	raw := `[
	  {"urls": "stun:stun.l.google.com:19302"},
	  {"urls": ["stun:stun1.l.google.com:19302", " "]},
	  {
	    "urls": ["turn:turn.example.com:3478?transport=udp"],
	    "username": "user",
	    "credential": "pass"
	  }
	]`

	servers, err := ParseICEServersJSON(raw)
	if err != nil {
		t.Fatalf("ParseICEServersJSON: %v", err)
	}
	if len(servers) != 3 {
		t.Fatalf("len=%d, want 3", len(servers))
	}
	if got := servers[0].URLs; len(got) != 1 || got[0] != "stun:stun.l.google.com:19302" {
		t.Fatalf("unexpected single-string urls: %#v", got)
	}
	if got := servers[1].URLs; len(got) != 1 {
		t.Fatalf("expected blank url to be dropped: %#v", got)
	}
	if cred, ok := servers[2].Credential.(string); !ok || cred != "pass" || servers[2].Username != "user" {
		t.Fatalf("unexpected turn creds: %q %#v", servers[2].Username, servers[2].Credential)
	}
}

func TestParseICEServersJSON_Rejects(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"not json":          `{`,
		"missing urls":      `[{"username":"u"}]`,
		"numeric urls":      `[{"urls": 7}]`,
		"bad scheme":        `[{"urls": "http://example.com"}]`,
		"turn without cred": `[{"urls": "turn:turn.example.com", "username": "u"}]`,
	}
	for name, raw := range cases {
		if _, err := ParseICEServersJSON(raw); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestParseICEServersFromConvenienceEnv(t *testing.T) {
	t.Parallel()

	servers, err := ParseICEServersFromConvenienceEnv(
		"stun:a.example.com:3478, stun:b.example.com:3478",
		"turn:t.example.com:3478",
		"user",
		"pass",
	)
	if err != nil {
		t.Fatalf("ParseICEServersFromConvenienceEnv: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("len=%d, want 2", len(servers))
	}
	if len(servers[0].URLs) != 2 {
		t.Fatalf("stun urls=%v, want 2 entries", servers[0].URLs)
	}

	if _, err := ParseICEServersFromConvenienceEnv("", "turn:t.example.com", "user", ""); err == nil {
		t.Fatalf("expected error for TURN without credential")
	}

	empty, err := ParseICEServersFromConvenienceEnv("", "", "", "")
	if err != nil || len(empty) != 0 {
		t.Fatalf("empty=%v err=%v, want none", empty, err)
	}
}

func TestParseICEServersFromValues_JSONWins(t *testing.T) {
	t.Parallel()

	servers, err := parseICEServersFromValues(`[{"urls":"stun:json.example.com"}]`, "stun:env.example.com", "", "", "")
	if err != nil {
		t.Fatalf("parseICEServersFromValues: %v", err)
	}
	if len(servers) != 1 || servers[0].URLs[0] != "stun:json.example.com" {
		t.Fatalf("servers=%v, want JSON entry only", servers)
	}
}
