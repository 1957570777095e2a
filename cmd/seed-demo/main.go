// seed-demo provisions a demo environment: two rooms with synthetic cameras
// and the five demo identities the synthetic streams cycle through, enrolled
// through the normal pipeline so recognition works out of the box.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"time"

	_ "github.com/lib/pq"

	"github.com/eduvision/ev-presence/internal/config"
	"github.com/eduvision/ev-presence/internal/data"
	"github.com/eduvision/ev-presence/internal/imagestore"
	"github.com/eduvision/ev-presence/internal/students"
	"github.com/eduvision/ev-presence/internal/vector"
	"github.com/eduvision/ev-presence/internal/vision"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/default.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("[Seed] load config: %v", err)
	}

	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		log.Fatalf("[Seed] open db: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("[Seed] ping db: %v", err)
	}

	index := vector.NewStore(cfg.Index.Dir, cfg.Index.Dimension)
	if err := index.Load(); err != nil {
		log.Printf("[Seed] index load: %v (starting empty)", err)
	}
	files, err := imagestore.New(cfg.Images.Dir)
	if err != nil {
		log.Fatalf("[Seed] image store: %v", err)
	}

	svc := &students.Service{
		Students: data.StudentModel{DB: db},
		Images:   data.StudentImageModel{DB: db},
		Engine:   vision.NewSyntheticEngine(cfg.Vision.ModelDir, cfg.Index.Dimension),
		Index:    index,
		Files:    files,
	}

	seedRooms(ctx, db)
	seedStudents(ctx, svc)

	if err := index.Save(); err != nil {
		log.Fatalf("[Seed] index save: %v", err)
	}
	log.Printf("[Seed] done: %+v", index.Stats())
}

func seedRooms(ctx context.Context, db *sql.DB) {
	roomModel := data.RoomModel{DB: db}
	cameraModel := data.CameraModel{DB: db}

	rooms := []struct {
		name    string
		cameras int
	}{
		{"Lab A", 2},
		{"Lab B", 1},
	}

	for _, spec := range rooms {
		room := &data.Room{Name: spec.name, IsActive: true}
		if err := roomModel.Insert(ctx, room); err != nil {
			// Re-running the seeder against an existing database is fine.
			log.Printf("[Seed] room %q: %v (skipping)", spec.name, err)
			continue
		}
		for i := 1; i <= spec.cameras; i++ {
			cam := &data.Camera{
				RoomID:  room.ID,
				Name:    fmt.Sprintf("%s cam %d", spec.name, i),
				RTSPURL: fmt.Sprintf("rtsp://demo.local/%d/cam%d", room.ID, i),
				Enabled: true,
			}
			if err := cameraModel.Insert(ctx, cam); err != nil {
				log.Printf("[Seed] camera %q: %v", cam.Name, err)
				continue
			}
			log.Printf("[Seed] room %d camera %d: %s", room.ID, cam.ID, cam.RTSPURL)
		}
	}
}

// seedStudents enrolls the five identities the synthetic streams show. The
// student number doubles as the portrait label so stream frames embed to the
// same vectors the index holds.
func seedStudents(ctx context.Context, svc *students.Service) {
	people := []struct {
		first, last string
	}{
		{"Ada", "Denizli"},
		{"Berk", "Yalcin"},
		{"Cansu", "Erdem"},
		{"Deniz", "Koc"},
		{"Ege", "Aydin"},
	}

	for i, p := range people {
		label := fmt.Sprintf("demo-%d", i)
		student, err := svc.Register(ctx, label, p.first, p.last, "demo")
		if err != nil {
			log.Printf("[Seed] student %s: %v (skipping)", label, err)
			continue
		}

		images := make([][]byte, students.MinImages)
		for j := range images {
			images[j] = vision.SyntheticPortrait(label, 320)
		}
		if _, err := svc.UploadImages(ctx, student.ID, images); err != nil {
			log.Printf("[Seed] student %s images: %v", label, err)
			continue
		}
		log.Printf("[Seed] enrolled %s (%s)", student.FullName(), label)
	}
}
