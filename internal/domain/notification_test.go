package domain

import (
	"errors"
	"testing"
)

func TestParseChannelFromString(t *testing.T) {
	t.Parallel()

	got, err := ParseChannelFromString(" sms ")
	if err != nil {
		t.Fatalf("ParseChannelFromString() unexpected error = %v", err)
	}
	if got != ChannelSMS {
		t.Fatalf("ParseChannelFromString() = %s, want %s", got, ChannelSMS)
	}

	_, err = ParseChannelFromString("fax")
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("ParseChannelFromString() error = %v, want ErrValidation", err)
	}
}

func TestParseUrgencyFromString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		want    Urgency
		wantErr bool
	}{
		{name: "valid uppercase", input: "CRITICAL", want: UrgencyCritical},
		{name: "valid lowercase with spaces", input: " high ", want: UrgencyHigh},
		{name: "invalid", input: "urgent", wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := ParseUrgencyFromString(tt.input)
			if tt.wantErr {
				if !errors.Is(err, ErrValidation) {
					t.Fatalf("ParseUrgencyFromString() error = %v, want ErrValidation", err)
				}
				return
			}

			if err != nil {
				t.Fatalf("ParseUrgencyFromString() unexpected error = %v", err)
			}
			if got != tt.want {
				t.Fatalf("ParseUrgencyFromString() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestNotificationValidate(t *testing.T) {
	t.Parallel()

	valid := func() *Notification {
		return &Notification{
			Intent:  "account.alert",
			Urgency: UrgencyHigh,
			Mode:    ModeImmediate,
			Target:  "user-42",
			Content: map[string]Content{"en": {Body: "hello"}},
		}
	}

	if err := valid().Validate(); err != nil {
		t.Fatalf("Validate() unexpected error = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(n *Notification)
	}{
		{name: "missing target", mutate: func(n *Notification) { n.Target = " " }},
		{name: "missing intent", mutate: func(n *Notification) { n.Intent = "" }},
		{name: "invalid urgency", mutate: func(n *Notification) { n.Urgency = "EXTREME" }},
		{name: "invalid mode", mutate: func(n *Notification) { n.Mode = "LATER" }},
		{name: "missing content", mutate: func(n *Notification) { n.Content = nil }},
		{name: "empty body", mutate: func(n *Notification) { n.Content = map[string]Content{"en": {Body: "  "}} }},
		{name: "invalid channel", mutate: func(n *Notification) { n.Channels = []Channel{"FAX"} }},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			n := valid()
			tt.mutate(n)
			if err := n.Validate(); !errors.Is(err, ErrValidation) {
				t.Fatalf("Validate() error = %v, want ErrValidation", err)
			}
		})
	}
}

func TestResolveChannels(t *testing.T) {
	t.Parallel()

	critical := ResolveChannels(UrgencyCritical)
	if len(critical) != 3 || critical[0] != ChannelPush || critical[1] != ChannelSMS || critical[2] != ChannelEmail {
		t.Fatalf("ResolveChannels(CRITICAL) = %v, want [PUSH SMS EMAIL]", critical)
	}

	high := ResolveChannels(UrgencyHigh)
	if len(high) != 2 || high[0] != ChannelPush || high[1] != ChannelEmail {
		t.Fatalf("ResolveChannels(HIGH) = %v, want [PUSH EMAIL]", high)
	}

	unknown := ResolveChannels("WHATEVER")
	if len(unknown) != 1 || unknown[0] != ChannelPush {
		t.Fatalf("ResolveChannels(unknown) = %v, want [PUSH]", unknown)
	}

	// Returned slices must be copies, not aliases of the table.
	critical[0] = ChannelMesh
	if ChannelsForUrgency[UrgencyCritical][0] != ChannelPush {
		t.Fatal("ResolveChannels() must not alias the priority table")
	}
}
