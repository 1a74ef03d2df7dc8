// Command echod is a minimal service built on the larch scaffold: it
// idles until terminated and answers an echo verb on the control
// channel. It is an example of the scaffold's handler hooks; the test
// suite does not run it.
package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/spf13/pflag"

	"github.com/larchteam/larch/ctrl"
	"github.com/larchteam/larch/service"
)

type echoService struct {
	started time.Time
	echoes  atomic.Int64
	rotated atomic.Int64

	// ignoreTerms keeps the run loop going for N further checks, 200 ms
	// apart, once termination has been requested; used to exercise stop
	// timeouts. A termination request stays in effect, so later requests
	// are not counted separately.
	ignoreTerms int
}

func (e *echoService) Configuration(fs *pflag.FlagSet) {
	fs.IntVar(&e.ignoreTerms, "echo.ignoreTerms", 0,
		"Keep running for N further checks (200 ms apart) after termination is requested.")
}

func (e *echoService) Configure() error {
	if e.ignoreTerms < 0 {
		return fmt.Errorf("echo.ignoreTerms must not be negative")
	}
	return nil
}

func (e *echoService) Start(svc *service.Service) (service.Cleanup, error) {
	e.started = time.Now()
	svc.Logger().Info("echod ready")
	return func() { svc.Logger().Info("echod cleanup done") }, nil
}

func (e *echoService) Run(svc *service.Service) int {
	ignored := 0
	for {
		if !svc.IsRunning() {
			if ignored < e.ignoreTerms {
				ignored++
				svc.Logger().Info("ignoring termination request", "count", ignored)
				time.Sleep(200 * time.Millisecond)
				continue
			}
			return 0
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func (e *echoService) Stat(out io.Writer) {
	fmt.Fprintf(out, "echoes: %d\n", e.echoes.Load())
	fmt.Fprintf(out, "rotations: %d\n", e.rotated.Load())
}

func (e *echoService) Monitor(out io.Writer) {
	fmt.Fprintf(out, "Echoes: %d\n", e.echoes.Load())
}

func (e *echoService) Ctrl(cmd ctrl.Command, out io.Writer) bool {
	if cmd.Cmd != "echo" {
		return false
	}
	e.echoes.Add(1)
	fmt.Fprintln(out, strings.Join(cmd.Args, " "))
	return true
}

func (e *echoService) CtrlHelp(out io.Writer) {
	fmt.Fprintln(out, "echo ARG...    echoes its arguments back")
}

func (e *echoService) LogRotated(path string) {
	e.rotated.Add(1)
}

func main() {
	svc := service.New("echod", "1.0", 0, &echoService{})
	svc.SetDescription("echod idles until terminated and echoes control commands.")
	os.Exit(svc.Main(os.Args))
}
