package id

import (
	"time"

	"github.com/ventu-io/go-shortid"
)

// Generator produces short human-readable campaign IDs.
type Generator struct {
	sid *shortid.Shortid
}

func (g *Generator) Generate() (string, error) {
	return g.sid.Generate()
}

func NewGenerator() (*Generator, error) {
	sid, err := shortid.New(1, shortid.DefaultABC, uint64(time.Now().UnixNano()))
	if err != nil {
		return nil, err
	}

	return &Generator{sid}, nil
}
