package shell

import (
	"bytes"
	"errors"
	"testing"
)

func TestIDString(t *testing.T) {
	tests := []struct {
		id   ID
		want string
	}{
		{IDStdin, "STDIN"},
		{IDStdout, "STDOUT"},
		{IDStderr, "STDERR"},
		{IDExit, "EXIT"},
		{IDCloseStdin, "CLOSE_STDIN"},
		{IDWindowSize, "WINDOW_SIZE"},
		{ID(9), "ID(9)"},
	}
	for _, tt := range tests {
		if got := tt.id.String(); got != tt.want {
			t.Errorf("ID(%d).String() = %q, want %q", tt.id, got, tt.want)
		}
	}
}

func TestEncodeLayout(t *testing.T) {
	got := Encode(IDStdout, []byte("hi"))
	want := []byte{1, 2, 0, 0, 0, 'h', 'i'}
	if !bytes.Equal(got, want) {
		t.Errorf("Encode() = %v, want %v", got, want)
	}

	if got := (Packet{ID: IDCloseStdin}).Encode(); !bytes.Equal(got, []byte{4, 0, 0, 0, 0}) {
		t.Errorf("empty packet = %v", got)
	}
}

func TestWindowSizePayload(t *testing.T) {
	if got := string(WindowSizePayload(500, 500)); got != "500x500,0x0\x00" {
		t.Errorf("WindowSizePayload() = %q", got)
	}
	p := NewWindowSize(24, 80)
	if p.ID != IDWindowSize || string(p.Data) != "24x80,0x0\x00" {
		t.Errorf("NewWindowSize() = %+v", p)
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name    string
		p       Packet
		want    int
		wantErr bool
	}{
		{"zero", Packet{ID: IDExit, Data: []byte{0}}, 0, false},
		{"nonzero", Packet{ID: IDExit, Data: []byte{127}}, 127, false},
		{"empty", Packet{ID: IDExit}, 0, true},
		{"wrong id", Packet{ID: IDStdout, Data: []byte{1}}, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.p.ExitCode()
			if (err != nil) != tt.wantErr || got != tt.want {
				t.Errorf("ExitCode() = %d, %v", got, err)
			}
		})
	}
}

func TestDecoderFeed(t *testing.T) {
	stream := append(Encode(IDStdout, []byte("hello")), Encode(IDStderr, []byte("oops"))...)
	stream = append(stream, Encode(IDExit, []byte{3})...)

	tests := []struct {
		name   string
		chunks [][]byte
	}{
		{"single write", [][]byte{stream}},
		{"byte at a time", splitEvery(stream, 1)},
		{"split inside header", [][]byte{stream[:3], stream[3:]}},
		{"split inside data", [][]byte{stream[:7], stream[7:12], stream[12:]}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var d Decoder
			var got []Packet
			for _, c := range tt.chunks {
				pkts, err := d.Feed(c)
				if err != nil {
					t.Fatalf("Feed() error = %v", err)
				}
				got = append(got, pkts...)
			}
			if len(got) != 3 {
				t.Fatalf("got %d packets, want 3", len(got))
			}
			if got[0].ID != IDStdout || string(got[0].Data) != "hello" {
				t.Errorf("packet 0 = %+v", got[0])
			}
			if got[1].ID != IDStderr || string(got[1].Data) != "oops" {
				t.Errorf("packet 1 = %+v", got[1])
			}
			if code, _ := got[2].ExitCode(); code != 3 {
				t.Errorf("exit code = %d", code)
			}
			if d.Buffered() != 0 {
				t.Errorf("Buffered() = %d", d.Buffered())
			}
		})
	}
}

func TestDecoderHoldsPartialPacket(t *testing.T) {
	var d Decoder
	if got, err := d.Feed([]byte{1, 10, 0}); len(got) != 0 || err != nil {
		t.Fatalf("Feed() = %v, %v", got, err)
	}
	if got, err := d.Feed([]byte{0, 0, 'a', 'b'}); len(got) != 0 || err != nil {
		t.Fatalf("Feed() = %v, %v", got, err)
	}
	if d.Buffered() != 7 {
		t.Errorf("Buffered() = %d, want 7", d.Buffered())
	}
}

func TestDecoderDataNotAliased(t *testing.T) {
	var d Decoder
	in := Encode(IDStdout, []byte("abc"))
	got, _ := d.Feed(in)
	in[HeaderSize] = 'X'
	if string(got[0].Data) != "abc" {
		t.Errorf("packet data aliased input: %q", got[0].Data)
	}
}

func TestDecoderRejectsOversizedLength(t *testing.T) {
	tests := []struct {
		name string
		max  int
		in   []byte
	}{
		{"above protocol max", 0, []byte{byte(IDStdout), 0x01, 0x00, 0x10, 0x00}},
		{"declared 4GiB", 0, []byte{byte(IDStdout), 0xFF, 0xFF, 0xFF, 0xFF}},
		{"custom max", 4, Encode(IDStderr, []byte("hello"))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Decoder{Max: tt.max}
			good := Encode(IDStdout, []byte("ok"))

			got, err := d.Feed(append(good, tt.in...))
			if !errors.Is(err, ErrPacketTooLarge) {
				t.Fatalf("Feed() error = %v, want ErrPacketTooLarge", err)
			}
			if len(got) != 1 || string(got[0].Data) != "ok" {
				t.Errorf("packets before the bad header = %v", got)
			}
			if d.Buffered() != 0 {
				t.Errorf("Buffered() = %d, want 0", d.Buffered())
			}
			if _, err := d.Feed(good); !errors.Is(err, ErrPacketTooLarge) {
				t.Errorf("Feed() after failure error = %v, want ErrPacketTooLarge", err)
			}
		})
	}
}

func TestDecoderAcceptsMaxLength(t *testing.T) {
	d := Decoder{Max: 4}
	got, err := d.Feed(Encode(IDStdout, []byte("four")))
	if err != nil || len(got) != 1 || string(got[0].Data) != "four" {
		t.Errorf("Feed() = %v, %v", got, err)
	}
}

func splitEvery(b []byte, n int) [][]byte {
	var out [][]byte
	for len(b) > 0 {
		k := min(n, len(b))
		out = append(out, b[:k])
		b = b[k:]
	}
	return out
}
