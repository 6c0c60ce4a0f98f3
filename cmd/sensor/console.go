package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/dreamware/sensornet/internal/cluster"
	"github.com/dreamware/sensornet/internal/measurement"
)

// errExit ends the console after an EXIT command.
var errExit = errors.New("exit requested")

// commander is the part of the sensor client the console drives.
type commander interface {
	Measure(ctx context.Context) (measurement.Measurement, error)
	StartLoop()
	StopLoop()
	Shutdown(ctx context.Context)
	Sensor() cluster.Sensor
}

// console reads one command per line:
//
//	MEASURE     run one measurement cycle now
//	START       start the measurement loop
//	STOP        stop the measurement loop
//	EXIT, END   shut the sensor down
//
// Commands are case-insensitive and blank lines are skipped.
type console struct {
	client commander
	in     io.Reader
	out    io.Writer
}

// run serves commands until EXIT, end of input, or ctx. EXIT shuts the
// client down and returns nil. A measurement failing because the directory
// is gone shuts the client down and returns the error, as does any other
// measurement failure.
func (c *console) run(ctx context.Context) error {
	fmt.Fprintf(c.out, "Welcome to sensor management interface of sensor %s\n", c.client.Sensor().ID)
	fmt.Fprintln(c.out, "Enter a command or 'EXIT' to shutdown sensor.")

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(c.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()

	for {
		fmt.Fprint(c.out, "> ")
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			fmt.Fprintln(c.out)
			return err
		case line := <-lines:
			err := c.exec(ctx, line)
			if errors.Is(err, errExit) {
				fmt.Fprintln(c.out, "Sensor client console has shut down. Goodbye!")
				return nil
			}
			if err != nil {
				return err
			}
		}
	}
}

func (c *console) exec(ctx context.Context, line string) error {
	cmd := strings.ToUpper(strings.TrimSpace(line))
	switch cmd {
	case "":
		return nil
	case "MEASURE":
		m, err := c.client.Measure(ctx)
		switch {
		case err == nil:
			fmt.Fprintf(c.out, "Reported %s\n", m)
			return nil
		case cluster.IsUnreachable(err):
			fmt.Fprintln(c.out, "Lost connection with server. Shutting down client.")
		default:
			fmt.Fprintln(c.out, "A critical error occurred... shutting down client.")
		}
		c.client.Shutdown(context.WithoutCancel(ctx))
		return err
	case "START":
		c.client.StartLoop()
	case "STOP":
		c.client.StopLoop()
	case "EXIT", "END":
		c.client.Shutdown(context.WithoutCancel(ctx))
		return errExit
	default:
		fmt.Fprintf(c.out, "Unknown command: %s\n", strings.TrimSpace(line))
	}
	return nil
}
