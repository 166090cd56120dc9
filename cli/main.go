package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/lac-hong-legacy/block-bots/dto"
	"github.com/lac-hong-legacy/block-bots/services"
	"github.com/lac-hong-legacy/block-bots/shared"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const usage = `usage: block-bots-cli <command> [flags]

commands:
  token    issue a bearer token (use -role admin for the admin API)
  verify   run crawler verification for one address now
  sets     list or clear the whitelist, fake or pending set
  hits     list live hit counters
  window   print when the current window of a frequency ends
`

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := dto.LoadConfiguration(os.Getenv)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	args := os.Args[2:]
	switch os.Args[1] {
	case "token":
		err = runToken(args)
	case "verify":
		err = runVerify(ctx, cfg, args)
	case "sets":
		err = runSets(ctx, cfg, args)
	case "hits":
		err = runHits(ctx, cfg)
	case "window":
		err = runWindow(cfg, args)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		log.Fatal().Err(err).Str("command", os.Args[1]).Msg("Command failed")
	}
}

func printJSON(v interface{}) error {
	out, err := shared.Marshal(v)
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	user := fs.String("user", "", "user id carried by the token")
	role := fs.String("role", "", "role claim, e.g. admin")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	_ = fs.Parse(args)

	if *user == "" {
		return fmt.Errorf("-user is required")
	}

	pair, err := services.NewJWTService(os.Getenv("JWT_OAUTH_SECRET"), *ttl).GenerateToken(*user, *role)
	if err != nil {
		return err
	}
	return printJSON(pair)
}

func runVerify(ctx context.Context, cfg *dto.Configuration, args []string) error {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	ip := fs.String("ip", "", "client address")
	ua := fs.String("ua", "", "user agent claimed by the client")
	server := fs.String("dns", services.SystemDNSServer(), "DNS server host:port")
	_ = fs.Parse(args)

	if *ip == "" || *ua == "" {
		return fmt.Errorf("-ip and -ua are required")
	}

	redisSvc := services.NewRedisService(services.NewRedisClientFromEnv())
	defer redisSvc.Shutdown()

	resolver := services.NewDNSResolver(*server, 5*time.Second)
	queue := services.NewTaskQueueService(redisSvc)
	verifier := services.NewBotVerificationService(redisSvc, resolver, queue, nil, cfg)

	client := dto.NewClient(*ip, "", *ua, "", cfg.IPv6PrefixLength)
	valid, err := verifier.Verify(ctx, &dto.CheckIfBotIsRealTask{
		Client:           *client,
		AllowedBots:      cfg.AllowedBots,
		BotCIDRs:         cfg.BotCIDRs,
		IPv6PrefixLength: cfg.IPv6PrefixLength,
		Log:              cfg.Log,
	})

	result := map[string]interface{}{
		"ip":           client.IP,
		"trackable_ip": client.TrackableIP,
		"valid":        valid,
	}
	if err != nil {
		result["error"] = err.Error()
	}
	return printJSON(result)
}

func runSets(ctx context.Context, cfg *dto.Configuration, args []string) error {
	fs := flag.NewFlagSet("sets", flag.ExitOnError)
	set := fs.String("set", dto.SetWhitelist, "whitelist, fake or pending")
	clearSet := fs.Bool("clear", false, "empty the set instead of listing it")
	_ = fs.Parse(args)

	redisSvc := services.NewRedisService(services.NewRedisClientFromEnv())
	defer redisSvc.Shutdown()
	admin := services.NewAdminService(redisSvc, nil, cfg)

	if *clearSet {
		if err := admin.ClearSet(ctx, *set); err != nil {
			return err
		}
		log.Info().Str("set", *set).Msg("Set cleared")
		return nil
	}

	list, err := admin.ListSet(ctx, *set)
	if err != nil {
		return err
	}
	fmt.Println(strings.Join(list.IPs, "\n"))
	return nil
}

func runHits(ctx context.Context, cfg *dto.Configuration) error {
	redisSvc := services.NewRedisService(services.NewRedisClientFromEnv())
	defer redisSvc.Shutdown()

	hits, err := services.NewAdminService(redisSvc, nil, cfg).ListHits(ctx)
	if err != nil {
		return err
	}
	for _, h := range hits {
		fmt.Printf("%8d  %s\n", h.Hits, h.ID)
	}
	return nil
}

func runWindow(cfg *dto.Configuration, args []string) error {
	fs := flag.NewFlagSet("window", flag.ExitOnError)
	frequency := fs.String("frequency", cfg.Frequency, "hourly, daily, monthly or annually")
	_ = fs.Parse(args)

	end := services.WindowEnd(*frequency, time.Now().In(cfg.Location()))
	fmt.Println(end.Format(time.RFC3339))
	return nil
}
