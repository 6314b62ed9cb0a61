package store

import "testing"

func TestSplitTarget(t *testing.T) {
	tests := []struct {
		target   string
		wantHost string
		wantPort uint16
		wantErr  bool
	}{
		{"localhost:3001", "localhost", 3001, false},
		{"10.1.2.3:22", "10.1.2.3", 22, false},
		{"[::1]:443", "::1", 443, false},
		{"db.internal.example:5432", "db.internal.example", 5432, false},
		{"localhost", "", 0, true},
		{"localhost:", "", 0, true},
		{":8080", "", 0, true},
		{"localhost:http", "", 0, true},
		{"localhost:0", "", 0, true},
		{"localhost:70000", "", 0, true},
		{"", "", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			host, port, err := Entry{Target: tt.target}.SplitTarget()
			if (err != nil) != tt.wantErr {
				t.Fatalf("err=%v wantErr=%v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if host != tt.wantHost || port != tt.wantPort {
				t.Errorf("got (%q, %d), want (%q, %d)", host, port, tt.wantHost, tt.wantPort)
			}
		})
	}
}

func TestParsePort(t *testing.T) {
	tests := []struct {
		in      string
		want    uint16
		wantErr bool
	}{
		{"1", 1, false},
		{"8080", 8080, false},
		{"65535", 65535, false},
		{"0", 0, true},
		{"65536", 0, true},
		{"-1", 0, true},
		{"80a", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePort(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParsePort(%q) err=%v wantErr=%v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParsePort(%q) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestEntriesCloneIsIndependent(t *testing.T) {
	orig := Entries{80: {Port: 80, Target: "a:1"}}
	c := orig.Clone()
	c[81] = Entry{Port: 81, Target: "b:2"}
	delete(c, 80)

	if _, ok := orig[80]; !ok || len(orig) != 1 {
		t.Fatalf("clone mutation leaked into original: %+v", orig)
	}
}

func TestEntriesSorted(t *testing.T) {
	e := Entries{
		9000: {Port: 9000},
		22:   {Port: 22},
		443:  {Port: 443},
	}
	got := e.Sorted()
	if len(got) != 3 || got[0].Port != 22 || got[1].Port != 443 || got[2].Port != 9000 {
		t.Fatalf("unexpected order: %+v", got)
	}
}
