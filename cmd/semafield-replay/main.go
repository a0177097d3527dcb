// Command semafield-replay feeds a recorded session journal back into a
// running daemon over the TCP frame stream. Redundancy rejections are
// expected when the daemon already holds the session's viewpoints.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/semafield/semafield/internal/stream"
	"github.com/semafield/semafield/pkg/core"
	"github.com/semafield/semafield/pkg/persistence"
)

func main() {
	journalPath := flag.String("journal", "", "session journal to replay (required)")
	addr := flag.String("addr", "localhost:9090", "daemon frame stream address")
	timeout := flag.Duration("timeout", 5*time.Second, "dial timeout")
	rate := flag.Float64("rate", 0, "frames per second; 0 replays as fast as the daemon responds")
	flag.Parse()

	if *journalPath == "" {
		flag.Usage()
		os.Exit(2)
	}

	client, err := stream.Dial(*addr, *timeout)
	if err != nil {
		log.Fatalf("dial %s: %v", *addr, err)
	}
	defer client.Close()

	var pause time.Duration
	if *rate > 0 {
		pause = time.Duration(float64(time.Second) / *rate)
	}

	var accepted, rejected, invalid int
	start := time.Now()
	total, err := persistence.ReplayJournal(*journalPath, func(f *core.PosedFrame) error {
		status, reason, err := client.Send(f)
		if err != nil {
			return fmt.Errorf("send frame: %w", err)
		}
		switch status {
		case stream.StatusAccepted:
			accepted++
		case stream.StatusRejected:
			rejected++
		case stream.StatusInvalid:
			invalid++
			log.Printf("frame marked invalid: %s", reason)
		}
		if pause > 0 {
			time.Sleep(pause)
		}
		return nil
	})
	if err != nil {
		log.Fatalf("replay: %v", err)
	}

	fmt.Printf("replayed %d frames in %s: %d accepted, %d rejected, %d invalid\n",
		total, time.Since(start).Round(time.Millisecond), accepted, rejected, invalid)
}
