package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	pkgerrors "github.com/pkg/errors"
	"github.com/spf13/pflag"

	"github.com/ngdplib/tact"
	"github.com/ngdplib/tact/bin"
)

var (
	output         = pflag.StringP("output", "o", "", "write extracted bytes here instead of stdout")
	product        = pflag.String("product", "wow", "TACT product code")
	region         = pflag.String("region", "us", "patch service region")
	locale         = pflag.String("locale", "enUS", "content locale")
	cacheDirectory = pflag.String("cacheDirectory", "", "persistent download cache root")
	baseDirectory  = pflag.String("baseDirectory", "", "installed game directory for local reads")
	buildConfig    = pflag.String("buildConfig", "", "pin a build configuration hash")
	cdnConfig      = pflag.String("cdnConfig", "", "pin a CDN configuration hash")
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: tact [flags] <command> <argument>

commands:
  extractFileDataID <uint>    extract by game-assigned file id
  extractContentKey <hex16>   extract by content digest
  extractEncodingKey <hex16>  extract a specific encoding
  extractFileName <string>    extract by virtual path

flags:
%s`, pflag.CommandLine.FlagUsages())
}

func main() {
	pflag.Usage = usage
	pflag.Parse()
	args := pflag.Args()
	if len(args) != 2 {
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := tact.Open(ctx, tact.Options{
		Product:     *product,
		Region:      *region,
		Locale:      *locale,
		CacheDir:    *cacheDirectory,
		BaseDir:     *baseDirectory,
		BuildConfig: *buildConfig,
		CDNConfig:   *cdnConfig,
	})
	if err != nil {
		fatal(pkgerrors.Wrap(err, "opening build"))
	}
	defer client.Close()

	var data []byte
	switch cmd, arg := args[0], args[1]; cmd {
	case "extractFileDataID":
		fdid, perr := strconv.ParseUint(arg, 10, 32)
		if perr != nil {
			fatal(fmt.Errorf("bad file data id %q", arg))
		}
		data, err = client.ExtractFileDataID(ctx, uint32(fdid))
	case "extractContentKey":
		key, perr := bin.ParseKey(arg)
		if perr != nil {
			fatal(perr)
		}
		data, err = client.ExtractContentKey(ctx, key)
	case "extractEncodingKey":
		key, perr := bin.ParseKey(arg)
		if perr != nil {
			fatal(perr)
		}
		data, err = client.ExtractEncodingKey(ctx, key)
	case "extractFileName":
		data, err = client.ExtractFileName(ctx, arg)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fatal(err)
	}

	if *output == "" || *output == "-" {
		if _, err := os.Stdout.Write(data); err != nil {
			fatal(err)
		}
		return
	}
	if err := os.WriteFile(*output, data, 0o644); err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stderr, "%d bytes written to %s\n", len(data), *output)
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err.Error())
	os.Exit(1)
}
