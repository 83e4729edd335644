package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dropDatabas3/relaypanel/internal/config"
	jwtx "github.com/dropDatabas3/relaypanel/internal/jwt"
	"github.com/dropDatabas3/relaypanel/internal/security/secretbox"
	"github.com/dropDatabas3/relaypanel/internal/store/accounts"
	"github.com/dropDatabas3/relaypanel/internal/store/mfa"
	"github.com/dropDatabas3/relaypanel/internal/store/users"
)

// openStores abre la box y los tres stores cifrados tal como lo hace el
// server, pero sin levantar nada más. Para usar con el servicio APAGADO:
// dos procesos escribiendo los mismos blobs no se coordinan.
func openStores(cfg *config.Config) (*secretbox.Box, *users.Store, *mfa.Store, *accounts.Store, error) {
	box, err := secretbox.Open(cfg.DataPath("master.key"))
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("master key: %w", err)
	}
	usersStore, err := users.Open(cfg.DataPath("users.yaml.enc"), box)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("users store: %w", err)
	}
	mfaStore, err := mfa.Open(cfg.DataPath("mfa.yaml.enc"), box)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("mfa store: %w", err)
	}
	accountsStore, err := accounts.Open(cfg.DataPath("accounts.yaml.enc"), box)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("accounts store: %w", err)
	}
	return box, usersStore, mfaStore, accountsStore, nil
}

func keysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Rotación de claves (master key y clave de firma de sesiones)",
	}
	cmd.AddCommand(keysRotateCmd(), keysRotateSessionCmd())
	return cmd
}

func keysRotateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rotate",
		Short: "Rota la master key y re-cifra todos los blobs en reposo",
		Long: "Genera una master key nueva y re-cifra users, mfa, accounts y la clave de\n" +
			"firma de sesiones bajo ella. Las sesiones vigentes NO se invalidan. Ejecutar\n" +
			"con el servicio detenido.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			box, usersStore, mfaStore, accountsStore, err := openStores(cfg)
			if err != nil {
				return err
			}

			// La privada de sesión se descifra ANTES de rotar: dentro del
			// callback la box vieja ya no está disponible para Decrypt.
			sessionKeyPath := cfg.DataPath("session.key")
			priv, err := jwtx.UnsealKeyFile(sessionKeyPath, box)
			if err != nil {
				return fmt.Errorf("session key: %w", err)
			}

			err = box.Rotate(func(next *secretbox.Box) error {
				if err := usersStore.Reencrypt(next); err != nil {
					return fmt.Errorf("users: %w", err)
				}
				if err := mfaStore.Reencrypt(next); err != nil {
					return fmt.Errorf("mfa: %w", err)
				}
				if err := accountsStore.Reencrypt(next); err != nil {
					return fmt.Errorf("accounts: %w", err)
				}
				if priv != nil {
					if err := jwtx.ResealKeyFile(sessionKeyPath, priv, next); err != nil {
						return fmt.Errorf("session key: %w", err)
					}
				}
				return nil
			})
			if err != nil {
				return err
			}
			fmt.Println("ok: master key rotada, blobs re-cifrados")
			return nil
		},
	}
}

func keysRotateSessionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rotate-session",
		Short: "Genera una clave de firma de sesiones nueva (cierra todas las sesiones)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			box, err := secretbox.Open(cfg.DataPath("master.key"))
			if err != nil {
				return fmt.Errorf("master key: %w", err)
			}
			kid, err := jwtx.RotateKeyFile(cfg.DataPath("session.key"), box)
			if err != nil {
				return err
			}
			fmt.Printf("ok: clave de firma nueva kid=%s (todas las sesiones quedan inválidas)\n", kid)
			return nil
		},
	}
}
