// Package cli implements the penumbra command-line front end: one-shot
// get, encrypt, decrypt and save commands over the library client.
package cli

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/dusklabs/penumbra"
)

type App struct {
	client *penumbra.Client
	out    io.Writer
}

func NewApp(client *penumbra.Client, out io.Writer) *App {
	return &App{client: client, out: out}
}

func (a *App) Run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		a.usage()
		return fmt.Errorf("no command given")
	}

	switch args[0] {
	case "get":
		return a.runGet(ctx, args[1:])
	case "encrypt":
		return a.runEncrypt(ctx, args[1:])
	case "decrypt":
		return a.runDecrypt(ctx, args[1:])
	case "save":
		return a.runSave(ctx, args[1:])
	default:
		a.usage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func (a *App) usage() {
	fmt.Fprintln(a.out, "usage: penumbra <get|encrypt|decrypt|save> [flags]")
}

// runGet fetches one resource and prints it to stdout or a file.
func (a *App) runGet(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	url := fs.String("url", "", "resource URL (http, https or s3)")
	out := fs.String("o", "", "output file (default: stdout)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	files, err := a.client.Get(ctx, penumbra.RemoteResource{URL: *url})
	if err != nil {
		return err
	}

	data, _, err := a.client.GetBlob(ctx, files[0])
	if err != nil {
		return err
	}

	if *out == "" {
		_, err = a.out.Write(data)
		return err
	}
	return os.WriteFile(*out, data, 0o600)
}

// runEncrypt ciphers one local file and prints the decryption descriptor.
func (a *App) runEncrypt(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("encrypt", flag.ContinueOnError)
	in := fs.String("in", "", "input file")
	out := fs.String("out", "", "output file")
	keyHex := fs.String("key", "", "encryption key, hex")
	keyFile := fs.String("keyfile", "", "file holding the key")
	passphrase := fs.Bool("passphrase", false, "derive key from a passphrase prompt")
	saltHex := fs.String("salt", "", "salt for passphrase derivation, hex")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *in == "" || *out == "" {
		return fmt.Errorf("encrypt requires -in and -out")
	}

	key, salt, err := resolveKey(*keyHex, *keyFile, *passphrase, *saltHex, a.out)
	if err != nil {
		return err
	}

	file, err := loadFile(*in)
	if err != nil {
		return err
	}

	var opts *penumbra.Options
	if key != nil {
		opts = &penumbra.Options{Key: key}
	}

	encrypted, err := a.client.Encrypt(ctx, opts, file)
	if err != nil {
		return err
	}

	data, _, err := a.client.GetBlob(ctx, &encrypted[0].File)
	if err != nil {
		return err
	}
	if err := os.WriteFile(*out, data, 0o600); err != nil {
		return err
	}

	infoCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	info, err := a.client.GetDecryptionInfo(infoCtx, encrypted[0])
	if err != nil {
		return err
	}

	fmt.Fprintf(a.out, "key:  %s\n", hex.EncodeToString(info.Key))
	fmt.Fprintf(a.out, "iv:   %s\n", hex.EncodeToString(info.IV))
	fmt.Fprintf(a.out, "tag:  %s\n", hex.EncodeToString(info.AuthTag))
	if len(salt) > 0 {
		fmt.Fprintf(a.out, "salt: %s\n", hex.EncodeToString(salt))
	}
	return nil
}

// runDecrypt reverses runEncrypt given the printed descriptor.
func (a *App) runDecrypt(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("decrypt", flag.ContinueOnError)
	in := fs.String("in", "", "input file")
	out := fs.String("out", "", "output file")
	keyHex := fs.String("key", "", "decryption key, hex")
	keyFile := fs.String("keyfile", "", "file holding the key")
	passphrase := fs.Bool("passphrase", false, "derive key from a passphrase prompt")
	saltHex := fs.String("salt", "", "salt for passphrase derivation, hex")
	ivHex := fs.String("iv", "", "IV, hex")
	tagHex := fs.String("tag", "", "authentication tag, hex (empty skips verification)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *in == "" || *out == "" {
		return fmt.Errorf("decrypt requires -in and -out")
	}

	key, _, err := resolveKey(*keyHex, *keyFile, *passphrase, *saltHex, a.out)
	if err != nil {
		return err
	}
	if key == nil {
		return fmt.Errorf("decrypt requires key material")
	}
	iv, err := hexField(*ivHex, "iv")
	if err != nil {
		return err
	}
	tag, err := hexField(*tagHex, "tag")
	if err != nil {
		return err
	}

	file, err := loadFile(*in)
	if err != nil {
		return err
	}

	decrypted, err := a.client.Decrypt(ctx, &penumbra.Options{Key: key, IV: iv, AuthTag: tag},
		&penumbra.EncryptedFile{File: *file})
	if err != nil {
		return err
	}

	data, _, err := a.client.GetBlob(ctx, decrypted[0])
	if err != nil {
		return err
	}
	return os.WriteFile(*out, data, 0o600)
}

// runSave fetches one or more resources and writes them to a directory,
// several URLs becoming a single zip.
func (a *App) runSave(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("save", flag.ContinueOnError)
	dir := fs.String("dir", ".", "target directory")
	name := fs.String("name", "", "target file name (default: derived from the URL)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	urls := fs.Args()
	if len(urls) == 0 {
		return fmt.Errorf("save requires at least one URL")
	}

	resources := make([]penumbra.RemoteResource, len(urls))
	for i, u := range urls {
		resources[i] = penumbra.RemoteResource{URL: u}
	}

	files, err := a.client.Get(ctx, resources...)
	if err != nil {
		return err
	}
	for i, f := range files {
		f.Path = penumbra.ResourceName(resources[i])
	}

	fileName := *name
	if fileName == "" {
		fileName = penumbra.ResourceName(resources[0])
	}

	op, err := a.client.Save(ctx, files, fileName, *dir)
	if err != nil {
		return err
	}
	if err := op.Wait(); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "saved to %s\n", filepath.Join(*dir, fileName))
	return nil
}

func loadFile(path string) (*penumbra.File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	return &penumbra.File{
		Data:         &penumbra.BufferData{B: data},
		Size:         int64(len(data)),
		Path:         filepath.Base(path),
		LastModified: fi.ModTime(),
	}, nil
}

func hexField(s, name string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", name, err)
	}
	return b, nil
}
