// check-stream probes a camera URL with the stream source and reports frame
// cadence. Handy when a camera "doesn't work" and the question is whether the
// URL even yields frames.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/eduvision/ev-presence/internal/stream"
)

func main() {
	url := flag.String("url", "", "stream URL to probe (rtsp:// or rtsps://)")
	frames := flag.Int("frames", 60, "how many frames to read")
	flag.Parse()

	if *url == "" {
		log.Fatal("usage: check-stream -url rtsp://host/path [-frames N]")
	}
	if err := stream.ValidateRTSPURL(*url); err != nil {
		log.Fatalf("bad url: %v", err)
	}

	src, err := stream.NewSyntheticSource(*url, stream.SourceOptions{})
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer src.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	start := time.Now()
	var bytes int
	for i := 0; i < *frames; i++ {
		f, err := src.ReadFrame(ctx)
		if err != nil {
			log.Fatalf("frame %d: %v", i, err)
		}
		bytes += len(f.Data)
		if i == 0 {
			fmt.Printf("first frame: %dx%d, %d bytes\n", f.Width, f.Height, len(f.Data))
		}
	}
	elapsed := time.Since(start)
	fmt.Printf("%d frames in %s (%.1f fps, %d bytes total)\n",
		*frames, elapsed.Round(time.Millisecond),
		float64(*frames)/elapsed.Seconds(), bytes)
}
