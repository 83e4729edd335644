package main

import (
	"fmt"
	"os"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/dropDatabas3/relaypanel/internal/security/password"
	"github.com/dropDatabas3/relaypanel/internal/store/users"
)

func adminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Gestión de usuarios del panel desde la terminal",
		Long: "Opera directamente sobre el store cifrado de usuarios, sin pasar por la\n" +
			"API. Para recuperación (admin bloqueado, contraseña perdida) ejecutar con\n" +
			"el servicio detenido.",
	}
	cmd.AddCommand(adminCreateCmd(), adminListCmd(), adminUnlockCmd(), adminDeleteCmd(), adminResetPasswordCmd())
	return cmd
}

// readPasswordTwice pide la contraseña sin eco, dos veces, y valida que
// coincidan.
func readPasswordTwice() (string, error) {
	fmt.Print("Contraseña: ")
	first, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return "", err
	}
	fmt.Print("Confirmar contraseña: ")
	second, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return "", err
	}
	if string(first) != string(second) {
		return "", fmt.Errorf("las contraseñas no coinciden")
	}
	return string(first), nil
}

func adminCreateCmd() *cobra.Command {
	var (
		role        string
		pass        string
		mfaEnforced bool
	)
	cmd := &cobra.Command{
		Use:   "create <username>",
		Short: "Crea un usuario",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			_, usersStore, _, _, err := openStores(cfg)
			if err != nil {
				return err
			}

			plain := pass
			if plain == "" {
				plain, err = readPasswordTwice()
				if err != nil {
					return err
				}
			}
			if len(plain) < 12 {
				return fmt.Errorf("la contraseña debe tener al menos 12 caracteres")
			}
			phc, err := password.Hash(password.Default, plain)
			if err != nil {
				return err
			}
			u, err := usersStore.Create(users.CreateInput{
				Username:     strings.TrimSpace(args[0]),
				PasswordHash: phc,
				Role:         users.Role(role),
				MFAEnforced:  mfaEnforced,
			})
			if err != nil {
				return err
			}
			fmt.Printf("ok: usuario creado %s (id=%s rol=%s)\n", u.Username, u.ID, u.Role)
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", string(users.RoleViewer), "rol: admin, operator o viewer")
	cmd.Flags().StringVar(&pass, "password", "", "contraseña (si se omite, se pide sin eco)")
	cmd.Flags().BoolVar(&mfaEnforced, "mfa-enforced", false, "exigir MFA al usuario")
	return cmd
}

func adminListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Lista los usuarios del panel",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			_, usersStore, mfaStore, _, err := openStores(cfg)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "USERNAME\tROLE\tMFA\tLOCKED\tLAST_LOGIN\tID")
			for _, u := range usersStore.List() {
				rec := mfaStore.Get(u.ID)
				mfa := "-"
				if rec.TOTPEnabled {
					mfa = "totp"
				}
				if len(rec.Devices) > 0 {
					if mfa == "-" {
						mfa = "fido2"
					} else {
						mfa += "+fido2"
					}
				}
				locked := "-"
				if u.LockedUntil != nil {
					locked = u.LockedUntil.Format("2006-01-02 15:04")
				}
				last := "-"
				if u.LastLogin != nil {
					last = u.LastLogin.Format("2006-01-02 15:04")
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", u.Username, u.Role, mfa, locked, last, u.ID)
			}
			return w.Flush()
		},
	}
}

func adminUnlockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unlock <username>",
		Short: "Quita el bloqueo por intentos fallidos",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			_, usersStore, _, _, err := openStores(cfg)
			if err != nil {
				return err
			}
			u, err := usersStore.GetByUsername(strings.TrimSpace(args[0]))
			if err != nil {
				return err
			}
			if _, err := usersStore.Update(u.ID, func(u *users.User) error {
				u.FailedAttempts = 0
				u.LockedUntil = nil
				return nil
			}); err != nil {
				return err
			}
			fmt.Printf("ok: %s desbloqueado\n", u.Username)
			return nil
		},
	}
}

func adminDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <username>",
		Short: "Elimina un usuario y sus factores MFA",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			_, usersStore, mfaStore, _, err := openStores(cfg)
			if err != nil {
				return err
			}
			u, err := usersStore.GetByUsername(strings.TrimSpace(args[0]))
			if err != nil {
				return err
			}
			if err := usersStore.Delete(u.ID); err != nil {
				return err
			}
			if err := mfaStore.Delete(u.ID); err != nil {
				return err
			}
			fmt.Printf("ok: %s eliminado\n", u.Username)
			return nil
		},
	}
}

// adminResetPasswordCmd es la vía de recuperación cuando el admin perdió su
// contraseña: no exige la actual.
func adminResetPasswordCmd() *cobra.Command {
	var resetMFA bool
	cmd := &cobra.Command{
		Use:   "reset-password <username>",
		Short: "Fija una contraseña nueva sin pedir la actual",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			_, usersStore, mfaStore, _, err := openStores(cfg)
			if err != nil {
				return err
			}
			u, err := usersStore.GetByUsername(strings.TrimSpace(args[0]))
			if err != nil {
				return err
			}
			plain, err := readPasswordTwice()
			if err != nil {
				return err
			}
			if len(plain) < 12 {
				return fmt.Errorf("la contraseña debe tener al menos 12 caracteres")
			}
			phc, err := password.Hash(password.Default, plain)
			if err != nil {
				return err
			}
			if _, err := usersStore.Update(u.ID, func(u *users.User) error {
				u.PasswordHash = phc
				u.FailedAttempts = 0
				u.LockedUntil = nil
				return nil
			}); err != nil {
				return err
			}
			if resetMFA {
				if err := mfaStore.Delete(u.ID); err != nil {
					return err
				}
			}
			fmt.Printf("ok: contraseña de %s actualizada\n", u.Username)
			return nil
		},
	}
	cmd.Flags().BoolVar(&resetMFA, "reset-mfa", false, "borrar también los factores MFA del usuario")
	return cmd
}
