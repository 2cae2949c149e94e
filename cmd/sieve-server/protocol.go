package main

// encodeCommand renders a command as a RESP array of bulk strings, the form
// it takes in the journal. Arguments are written verbatim, so binary data
// such as filter envelopes survives.
//
//	encodeCommand("BF.ADD", []string{"users", "alice"})
//	=> "*3\r\n$6\r\nBF.ADD\r\n$5\r\nusers\r\n$5\r\nalice\r\n"
func encodeCommand(command string, args []string) []byte {
	size := 16 + len(command)
	for _, a := range args {
		size += len(a) + 16
	}

	buf := appendArrayHeader(make([]byte, 0, size), len(args)+1)
	buf = appendBulk(buf, command)
	for _, a := range args {
		buf = appendBulk(buf, a)
	}
	return buf
}
