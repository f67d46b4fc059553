package cobra

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func Cache(config *viper.Viper) *cobra.Command {
	c := &cobra.Command{
		Use: "cache",
	}
	c.PersistentPreRun = func(_ *cobra.Command, _ []string) {
		config.BindPFlag("api", c.PersistentFlags().Lookup("api"))
	}
	c.PersistentFlags().StringP("api", "a", "http://localhost:8123", "cachemesh api URL")
	c.AddCommand(Get(config))
	c.AddCommand(Set(config))
	c.AddCommand(Delete(config))
	c.AddCommand(Keys(config))
	c.AddCommand(Peers(config))
	c.AddCommand(Status(config))
	return c
}

func Get(config *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:  "get",
		Args: cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, argv []string) {
			client := getClient(config)
			for _, key := range argv {
				value, err := client.Get(key)
				if err != nil {
					log.Printf("ERROR: failed to get %q: %v", key, err)
					continue
				}
				fmt.Println(string(value))
			}
		},
	}
}

func Set(config *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:  "set key value",
		Args: cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, argv []string) {
			client := getClient(config)
			key, raw := argv[0], argv[1]
			value := []byte(raw)
			if !json.Valid(value) {
				// bare strings are accepted for convenience
				value, _ = json.Marshal(raw)
			}
			if err := client.Set(key, value); err != nil {
				log.Fatalf("failed to set %q: %v", key, err)
			}
		},
	}
}

func Delete(config *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:  "delete",
		Args: cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, argv []string) {
			client := getClient(config)
			for _, key := range argv {
				if err := client.Delete(key); err != nil {
					log.Printf("ERROR: failed to delete %q: %v", key, err)
				}
			}
		},
	}
}

func Keys(config *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use: "keys",
		Run: func(cmd *cobra.Command, _ []string) {
			client := getClient(config)
			out := struct {
				Keys []string `json:"keys"`
			}{}
			if err := client.getJSON("/v1/keys", &out); err != nil {
				log.Fatalf("failed to list keys: %v", err)
			}
			for _, key := range out.Keys {
				fmt.Println(key)
			}
		},
	}
}

func Peers(config *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use: "peers",
		Run: func(cmd *cobra.Command, _ []string) {
			client := getClient(config)
			out := []struct {
				Name        string `json:"name"`
				Host        string `json:"host"`
				ServicePort int    `json:"servicePort"`
				LastSeen    int64  `json:"lastSeenEpochNanos"`
			}{}
			if err := client.getJSON("/v1/peers", &out); err != nil {
				log.Fatalf("failed to list peers: %v", err)
			}
			for _, peer := range out {
				fmt.Printf("%s %s:%d last_seen=%s\n",
					peer.Name, peer.Host, peer.ServicePort,
					time.Unix(0, peer.LastSeen).Format(time.RFC3339))
			}
		},
	}
}

func Status(config *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use: "status",
		Run: func(cmd *cobra.Command, _ []string) {
			client := getClient(config)
			out := struct {
				Name           string `json:"name"`
				Tenant         string `json:"tenant"`
				LocalStoreSize int    `json:"localStoreSize"`
				PeerCount      int    `json:"peerCount"`
			}{}
			if err := client.getJSON("/v1/status", &out); err != nil {
				log.Fatalf("failed to fetch status: %v", err)
			}
			fmt.Printf("name: %s\ntenant: %s\nlocal store size: %d\npeers: %d\n",
				out.Name, out.Tenant, out.LocalStoreSize, out.PeerCount)
		},
	}
}
