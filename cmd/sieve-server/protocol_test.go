package main

import (
	"testing"
)

func TestEncodeCommand(t *testing.T) {
	tests := []struct {
		name    string
		command string
		args    []string
		want    string
	}{
		{
			name:    "no arguments",
			command: "PING",
			args:    []string{},
			want:    "*1\r\n$4\r\nPING\r\n",
		},
		{
			name:    "with arguments",
			command: "BF.ADD",
			args:    []string{"users", "user1"},
			want:    "*3\r\n$6\r\nBF.ADD\r\n$5\r\nusers\r\n$5\r\nuser1\r\n",
		},
		{
			name:    "empty argument",
			command: "BF.ADD",
			args:    []string{"k", ""},
			want:    "*3\r\n$6\r\nBF.ADD\r\n$1\r\nk\r\n$0\r\n\r\n",
		},
		{
			name:    "binary argument",
			command: "BF.RESTORE",
			args:    []string{"k", "a\r\nb"},
			want:    "*3\r\n$10\r\nBF.RESTORE\r\n$1\r\nk\r\n$4\r\na\r\nb\r\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := encodeCommand(tt.command, tt.args)
			if string(got) != tt.want {
				t.Errorf("encodeCommand() = %q, want %q", got, tt.want)
			}
		})
	}
}
