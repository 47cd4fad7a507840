// Command qperfstream decodes a perf.data recording (file, stdin, or a
// TCP stream) and writes the symbolized, time-ordered QPERFSTREAM
// frame stream to --output, or a statistics report with --print-stats.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/qperfstream/qperfstream/internal/driver"
	"github.com/qperfstream/qperfstream/perferr"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		var sentinel *perferr.Error
		if ok := asPerfErr(err, &sentinel); ok {
			os.Exit(sentinel.Code.ExitCode())
		}
		os.Exit(1)
	}
}

func asPerfErr(err error, target **perferr.Error) bool {
	for err != nil {
		if e, ok := err.(*perferr.Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

type flags struct {
	input        string
	output       string
	host         string
	port         int
	sysroot      string
	debugPaths   string
	extraPaths   string
	app          string
	kallsyms     string
	arch         string
	bufferSizeKB int
	maxFrames    int
	printStats   bool
	verbose      bool
}

func newRootCmd() *cobra.Command {
	f := &flags{}
	cmd := &cobra.Command{
		Use:   "qperfstream",
		Short: "Decode and symbolize a perf.data recording into a framed stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(f)
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&f.input, "input", "", "perf.data file to read (default: stdin)")
	pf.StringVar(&f.output, "output", "", "where to write the framed stream (default: stdout)")
	pf.StringVar(&f.host, "host", "", "alternative TCP source host")
	pf.IntVar(&f.port, "port", 0, "alternative TCP source port")
	pf.StringVar(&f.sysroot, "sysroot", "", "root for resolving original file paths")
	pf.StringVar(&f.debugPaths, "debug", "", "colon-separated debug-info search paths (build-id cache root)")
	pf.StringVar(&f.extraPaths, "extra", "", "colon-separated extra library search paths")
	pf.StringVar(&f.app, "app", "", "application binary directory")
	pf.StringVar(&f.kallsyms, "kallsyms", "", "kernel symbol table path (default: /proc/kallsyms)")
	pf.StringVar(&f.arch, "arch", "", "fallback architecture (x86_64, arm, arm64)")
	pf.IntVar(&f.bufferSizeKB, "buffer-size", 64, "heuristic reorder buffer size in KB (0 = rounds-only)")
	pf.IntVar(&f.maxFrames, "max-frames", -1, "unwind depth cap (-1 = unlimited)")
	pf.BoolVar(&f.printStats, "print-stats", false, "emit statistics instead of the normal stream")
	pf.BoolVar(&f.verbose, "verbose", false, "enable debug-level logging")

	return cmd
}

func run(f *flags) error {
	level := slog.LevelInfo
	if f.verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	in, closeIn, err := openInput(f, log)
	if err != nil {
		return err
	}
	defer closeIn()

	out, closeOut, err := openOutput(f)
	if err != nil {
		return err
	}
	defer closeOut()

	maxFrames := f.maxFrames
	if maxFrames < 0 {
		maxFrames = 0 // unwind.Unwinder treats <=0 as "no depth cap"
	}

	cfg := driver.Config{
		BuildIDDir:   f.debugPaths,
		Sysroot:      f.sysroot,
		ExtraDirs:    splitPathList(f.extraPaths),
		AppDir:       f.app,
		KallsymsPath: f.kallsyms,
		Arch:         f.arch,
		BufferSizeKB: f.bufferSizeKB,
		MaxFrames:    maxFrames,
		PrintStats:   f.printStats,
	}

	d, err := driver.New(cfg, log, out)
	if err != nil {
		return err
	}

	if err := d.Run(in); err != nil {
		return err
	}

	if f.printStats {
		fmt.Fprint(out, d.Stats().Report())
	}
	return nil
}

func splitPathList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ":")
}

// openInput selects a file, a TCP connection, or stdin, per spec.md
// §6's three input sources; --host/--port take precedence over
// --input when both are given, matching perf record's own preference
// for an explicit network source.
func openInput(f *flags, log *slog.Logger) (r io.Reader, closeFn func() error, err error) {
	if f.host != "" || f.port != 0 {
		addr := net.JoinHostPort(f.host, strconv.Itoa(f.port))
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			return nil, nil, fmt.Errorf("dialing %s: %w", addr, err)
		}
		tuneRecvBuffer(conn, log)
		return conn, conn.Close, nil
	}
	if f.input != "" {
		file, err := os.Open(f.input)
		if err != nil {
			return nil, nil, fmt.Errorf("opening %s: %w", f.input, err)
		}
		return file, file.Close, nil
	}
	// Wrap stdin so it only satisfies io.Reader: *os.File also
	// implements io.ReaderAt, which would steer Driver.Run into
	// file-mode decoding even though a pipe can't seek.
	return struct{ io.Reader }{os.Stdin}, func() error { return nil }, nil
}

func openOutput(f *flags) (w io.Writer, closeFn func() error, err error) {
	if f.output == "" {
		return os.Stdout, func() error { return nil }, nil
	}
	file, err := os.Create(f.output)
	if err != nil {
		return nil, nil, fmt.Errorf("creating %s: %w", f.output, err)
	}
	return file, file.Close, nil
}

// tuneRecvBuffer raises the socket's receive buffer for a perf.data
// TCP stream, which arrives in large bursts per round; failures are
// logged and otherwise ignored; the kernel's default is still
// workable, just more prone to short reads under load.
func tuneRecvBuffer(conn net.Conn, log *slog.Logger) {
	const wantRecvBuf = 4 << 20

	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	sc, err := tcpConn.SyscallConn()
	if err != nil {
		log.Warn("could not access TCP socket for buffer tuning", slog.String("err", err.Error()))
		return
	}
	ctrlErr := sc.Control(func(fd uintptr) {
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, wantRecvBuf); err != nil {
			log.Warn("setsockopt SO_RCVBUF failed", slog.String("err", err.Error()))
		}
	})
	if ctrlErr != nil {
		log.Warn("SyscallConn.Control failed", slog.String("err", ctrlErr.Error()))
	}
}
