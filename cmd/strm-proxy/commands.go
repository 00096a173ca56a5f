package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/wolfeidau/strm-proxy/pathmap"
	"github.com/wolfeidau/strm-proxy/signer"
	"github.com/wolfeidau/strm-proxy/store/legacy"
)

// ImportLegacyCmd imports legacy JSON files without starting the server.
type ImportLegacyCmd struct {
	DataDir string `help:"Directory for the metadata store." default:"./data" env:"STRM_PROXY_DATA_DIR" type:"path"`
	Dir     string `help:"Directory holding item_path_db.json and user_history.json." required:"" type:"path"`
}

func (c *ImportLegacyCmd) Run(g *Globals) error {
	logger, err := g.logger("info")
	if err != nil {
		return err
	}

	db, err := openStore(c.DataDir, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	res, err := legacy.Import(context.Background(), db, c.Dir, legacy.WithLogger(logger))
	if err != nil {
		return err
	}

	fmt.Printf("item paths: %d\nusers: %d\n", res.ItemPaths, res.Users)
	for _, name := range res.Skipped {
		fmt.Printf("skipped (unchanged): %s\n", name)
	}
	return nil
}

// SignCmd prints a signed URL.
type SignCmd struct {
	URL    string `help:"Custom-domain URL to sign." required:""`
	Secret string `help:"URL auth secret key." required:"" env:"STRM_PROXY_URL_AUTH_SECRET"`
	UID    string `help:"Account UID." required:""`
	Expire int    `help:"Validity window in seconds." default:"3600"`
}

func (c *SignCmd) Run(_ *Globals) error {
	if c.Expire <= 0 {
		return fmt.Errorf("expire must be positive, got %d", c.Expire)
	}
	signed, err := signer.New(c.Secret, c.UID, time.Duration(c.Expire)*time.Second).Sign(c.URL)
	if err != nil {
		return err
	}
	fmt.Println(signed)
	return nil
}

// MapCmd prints the drive path a media path maps to, or LOCAL.
type MapCmd struct {
	Config string `help:"Path to the YAML config file." default:"config.yaml" env:"STRM_PROXY_CONFIG" type:"path"`
	Path   string `help:"Media-server path of the item." required:""`
}

func (c *MapCmd) Run(g *Globals) error {
	logger, err := g.logger("warn")
	if err != nil {
		return err
	}

	cfg, err := newManager(c.Config, logger).Load(context.Background())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	m := pathmap.FromConfig(cfg)
	mapped, ok := m.Map(c.Path)
	if !ok {
		fmt.Fprintln(os.Stdout, "LOCAL")
		return nil
	}
	fmt.Printf("mapped: %s\ndrive:  %s\n", mapped, m.Relative(mapped))
	return nil
}
