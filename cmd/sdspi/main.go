package main

import (
	"encoding/hex"
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/storage-hacks/sdspi/pkg/cardsim"
	"github.com/storage-hacks/sdspi/pkg/sdcard"
	"github.com/storage-hacks/sdspi/pkg/spibus"
)

func main() {
	app := &cli.App{
		Name:    "sdspi",
		Usage:   "talk to an SD/MMC card over a serial SPI bridge or a card image",
		Version: "0.1.0",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "port", Usage: "serial port of the SPI bridge"},
			&cli.IntFlag{Name: "baud", Value: 115200, Usage: "serial port speed"},
			&cli.StringFlag{Name: "image", Usage: "card image file (simulated card)"},
		},
		Commands: []*cli.Command{
			{
				Name:   "info",
				Usage:  "initialize the card and print its geometry",
				Action: runInfo,
			},
			{
				Name:   "status",
				Usage:  "probe whether the card answers",
				Action: runStatus,
			},
			{
				Name:  "read",
				Usage: "hex dump one or more sectors",
				Flags: []cli.Flag{
					&cli.UintFlag{Name: "sector", Required: true},
					&cli.UintFlag{Name: "count", Value: 1},
				},
				Action: runRead,
			},
			{
				Name:  "write",
				Usage: "write one 512-byte sector from a file",
				Flags: []cli.Flag{
					&cli.UintFlag{Name: "sector", Required: true},
					&cli.StringFlag{Name: "in", Required: true, Usage: "file with exactly 512 bytes"},
				},
				Action: runWrite,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// target is the opened transport plus its teardown.
type target struct {
	bus   spibus.Bus
	close func() error
}

func openTarget(c *cli.Context) (*target, error) {
	if img := c.String("image"); img != "" {
		card, err := cardsim.Open(img, cardsim.ProfileSD2SC)
		if err != nil {
			return nil, err
		}
		log.Printf("Using simulated card backed by %q (%d sectors)", img, card.TotalSectors())
		return &target{bus: card, close: card.Flush}, nil
	}

	port := c.String("port")
	if port == "" {
		return nil, fmt.Errorf("either --port or --image is required")
	}
	bridge, err := spibus.NewSerialBridge(port, c.Int("baud"))
	if err != nil {
		return nil, err
	}
	log.Printf("Using %s", bridge.Name())
	return &target{
		bus: bridge,
		close: func() error {
			if err := bridge.Err(); err != nil {
				log.Printf("Bridge reported: %v", err)
			}
			return bridge.Close()
		},
	}, nil
}

func runInfo(c *cli.Context) error {
	tgt, err := openTarget(c)
	if err != nil {
		return err
	}
	defer tgt.close()

	card, err := sdcard.New(tgt.bus).Initialize()
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}
	fmt.Printf("Card type:        %s\n", card.Type())
	fmt.Printf("Block addressed:  %t\n", card.BlockAddressed())
	fmt.Printf("Sectors:          %d\n", card.Sectors())
	fmt.Printf("Capacity:         %d KiB\n", uint64(card.Sectors())*sdcard.BlockSize/1024)
	return nil
}

func runStatus(c *cli.Context) error {
	tgt, err := openTarget(c)
	if err != nil {
		return err
	}
	defer tgt.close()

	if err := sdcard.New(tgt.bus).Status(); err != nil {
		return err
	}
	fmt.Println("Card answers.")
	return nil
}

func runRead(c *cli.Context) error {
	tgt, err := openTarget(c)
	if err != nil {
		return err
	}
	defer tgt.close()

	drv := sdcard.New(tgt.bus)
	card, err := drv.Initialize()
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	sector := uint32(c.Uint("sector"))
	count := uint32(c.Uint("count"))
	buf := make([]byte, sdcard.BlockSize)
	for i := uint32(0); i < count; i++ {
		if err := drv.Read(card, sector+i, 0, sdcard.BlockSize, buf); err != nil {
			return fmt.Errorf("reading sector %d: %w", sector+i, err)
		}
		fmt.Printf("sector %d:\n%s", sector+i, hex.Dump(buf))
	}
	return nil
}

func runWrite(c *cli.Context) error {
	data, err := os.ReadFile(c.String("in"))
	if err != nil {
		return err
	}
	if len(data) != sdcard.BlockSize {
		return fmt.Errorf("input must be exactly %d bytes, got %d", sdcard.BlockSize, len(data))
	}

	tgt, err := openTarget(c)
	if err != nil {
		return err
	}
	defer tgt.close()

	drv := sdcard.New(tgt.bus)
	card, err := drv.Initialize()
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	sector := uint32(c.Uint("sector"))
	if err := drv.Write(card, sector, data); err != nil {
		return fmt.Errorf("writing sector %d: %w", sector, err)
	}
	log.Printf("Wrote sector %d", sector)
	return nil
}
