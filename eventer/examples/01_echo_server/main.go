// Example: Echo Server
//
// This example demonstrates descriptor tasks:
// - A listening socket registered for Read, accepting with POSIXOps
// - One task per connection, echoing until EOF
// - Returning the next interest mask from the callback
//
// Run with: go run ./examples/01_echo_server/
package main

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/joeycumines/go-eventer/eventer"
	"golang.org/x/sys/unix"
)

func main() {
	r, err := eventer.New()
	if err != nil {
		fmt.Printf("Failed to create reactor: %v\n", err)
		return
	}
	defer r.Close()

	lfd, port, err := listen()
	if err != nil {
		fmt.Printf("Failed to listen: %v\n", err)
		return
	}
	defer unix.Close(lfd)

	r.Names().Register("echo_accept", accept)
	r.Names().Register("echo_conn", echo)

	if err := r.Add(eventer.NewFDTask(lfd, eventer.Read, accept, r)); err != nil {
		fmt.Printf("Failed to register listener: %v\n", err)
		return
	}

	go func() {
		if err := r.Loop(); err != nil {
			fmt.Printf("Loop exited: %v\n", err)
		}
	}()

	conn, err := net.DialTimeout("tcp4", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), time.Second)
	if err != nil {
		fmt.Printf("Failed to dial: %v\n", err)
		return
	}
	defer conn.Close()

	in := bufio.NewReader(conn)
	for _, line := range []string{"hello", "world"} {
		fmt.Fprintln(conn, line)
		reply, err := in.ReadString('\n')
		if err != nil {
			fmt.Printf("Read failed: %v\n", err)
			return
		}
		fmt.Printf("echoed: %s", reply)
	}

	fmt.Printf("descriptors registered: %d\n", r.Metrics().Descriptors)
}

func listen() (fd, port int, err error) {
	fd, err = unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, 0, err
	}
	if err = eventer.SetNonblock(fd); err == nil {
		err = unix.Bind(fd, &unix.SockaddrInet4{Addr: [4]byte{127, 0, 0, 1}})
	}
	if err == nil {
		err = unix.Listen(fd, 16)
	}
	var sa unix.Sockaddr
	if err == nil {
		sa, err = unix.Getsockname(fd)
	}
	if err != nil {
		_ = unix.Close(fd)
		return -1, 0, err
	}
	return fd, sa.(*unix.SockaddrInet4).Port, nil
}

// accept drains the listen backlog, registering each connection.
func accept(t *eventer.Task, _ eventer.Mask, closure any, _ time.Time) eventer.Mask {
	r := closure.(*eventer.Reactor)
	for {
		fd, _, next, err := t.IO().Accept(t)
		if eventer.WouldBlock(err) {
			return next
		}
		if err != nil {
			fmt.Printf("Accept failed: %v\n", err)
			return eventer.Read
		}
		if err := r.Add(eventer.NewFDTask(fd, eventer.Read, echo, new(pending))); err != nil {
			fmt.Printf("Failed to register connection: %v\n", err)
			_ = unix.Close(fd)
		}
	}
}

// pending holds bytes read but not yet written back.
type pending struct{ buf []byte }

func echo(t *eventer.Task, _ eventer.Mask, closure any, _ time.Time) eventer.Mask {
	p := closure.(*pending)
	ops := t.IO()

	for len(p.buf) > 0 {
		n, next, err := ops.Write(t, p.buf)
		p.buf = p.buf[n:]
		if eventer.WouldBlock(err) {
			return next
		}
		if err != nil {
			return closeConn(t)
		}
	}

	var buf [4096]byte
	n, next, err := ops.Read(t, buf[:])
	switch {
	case eventer.WouldBlock(err):
		return next
	case err != nil, n == 0:
		return closeConn(t)
	}
	p.buf = append(p.buf, buf[:n]...)
	// write interest, the socket is almost certainly writable already
	return eventer.Write
}

// closeConn closes the connection, and returns 0 so the reactor releases the
// task.
func closeConn(t *eventer.Task) eventer.Mask {
	if _, err := t.IO().Close(t); err != nil && !errors.Is(err, unix.EBADF) {
		fmt.Printf("Close failed: %v\n", err)
	}
	return 0
}
