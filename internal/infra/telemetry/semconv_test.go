package telemetry

import "testing"

func TestNotificationAttributesOmitEmptyBroadcaster(t *testing.T) {
	attrs := NotificationAttributes("development", "channel.follow", "")
	for _, attr := range attrs {
		if attr.Key == AttrBroadcaster {
			t.Fatalf("broadcaster attribute must be omitted when empty")
		}
	}

	attrs = NotificationAttributes("development", "channel.follow", "42")
	found := false
	for _, attr := range attrs {
		if attr.Key == AttrBroadcaster && attr.Value.AsString() == "42" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected broadcaster attribute in %v", attrs)
	}
}

func TestStripScheme(t *testing.T) {
	cases := map[string]string{
		"http://collector:4318":  "collector:4318",
		"https://collector:4318": "collector:4318",
		"collector:4318":         "collector:4318",
	}
	for in, want := range cases {
		if got := stripScheme(in); got != want {
			t.Fatalf("stripScheme(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestEnvironmentDefaults(t *testing.T) {
	globalEnvironment = ""
	if got := Environment(); got != "development" {
		t.Fatalf("expected development default, got %q", got)
	}
	globalEnvironment = "production"
	t.Cleanup(func() { globalEnvironment = "" })
	if got := Environment(); got != "production" {
		t.Fatalf("expected production, got %q", got)
	}
}
