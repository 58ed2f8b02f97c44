package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDescribeDevice(t *testing.T) {
	tests := []struct {
		name string
		ua   string
		want []string
	}{
		{
			name: "desktop chrome",
			ua:   "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			want: []string{"Chrome", "(desktop)"},
		},
		{
			name: "iphone safari",
			ua:   "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1",
			want: []string{"Safari", "(mobile)"},
		},
		{
			name: "googlebot",
			ua:   "Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)",
			want: []string{"(bot)"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DescribeDevice(tt.ua)
			for _, part := range tt.want {
				assert.Contains(t, got, part)
			}
		})
	}

	assert.Equal(t, "", DescribeDevice("  "))
}
