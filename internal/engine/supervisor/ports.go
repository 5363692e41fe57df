package supervisor

import "net"

// freeTCPPort asks the OS for an unused TCP port. The port is released
// before the subprocess binds it, so a collision is possible but rare; the
// credential check catches the case where we connect to somebody else's
// console.
func freeTCPPort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}

// freeUDPPort asks the OS for an unused UDP port for the game interface.
func freeUDPPort() (int, error) {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).Port, nil
}
