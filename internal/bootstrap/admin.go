// Package bootstrap crea el primer admin cuando el store arranca vacío.
package bootstrap

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/dropDatabas3/relaypanel/internal/security/password"
	"github.com/dropDatabas3/relaypanel/internal/store/users"
)

const minPasswordLen = 12

// Config controla el bootstrap del primer admin.
type Config struct {
	Users      *users.Store
	SkipPrompt bool   // modo no-interactivo (deploys, tests)
	Username   string // usado con SkipPrompt, o como default del prompt
	Password   string // usado con SkipPrompt
}

// CheckAndCreateAdmin crea el primer admin si no existe ninguno. Con el
// store ya poblado no hace nada. En modo interactivo pide las credenciales
// por stdin (password oculto).
func CheckAndCreateAdmin(cfg Config) error {
	if cfg.Users.HasAdmin() {
		return nil
	}

	username, plain := cfg.Username, cfg.Password
	if username == "" {
		username = os.Getenv("ADMIN_USERNAME")
	}
	if plain == "" {
		plain = os.Getenv("ADMIN_PASSWORD")
	}

	if cfg.SkipPrompt || (username != "" && plain != "") {
		if username == "" || plain == "" {
			return fmt.Errorf("bootstrap: non-interactive mode requires username and password")
		}
	} else {
		var err error
		username, plain, err = promptCredentials(username)
		if err != nil {
			return fmt.Errorf("bootstrap: prompt credentials: %w", err)
		}
	}

	if len(plain) < minPasswordLen {
		return fmt.Errorf("bootstrap: password must be at least %d characters", minPasswordLen)
	}
	hash, err := password.Hash(password.Default, plain)
	if err != nil {
		return fmt.Errorf("bootstrap: hash password: %w", err)
	}
	u, err := cfg.Users.Create(users.CreateInput{
		Username:     username,
		PasswordHash: hash,
		Role:         users.RoleAdmin,
	})
	if err != nil {
		return fmt.Errorf("bootstrap: create admin: %w", err)
	}
	fmt.Printf("Admin %q creado (id %s). Ya puede iniciar sesión en /api/auth/login.\n", u.Username, u.ID)
	return nil
}

func promptCredentials(defaultUsername string) (username, plain string, err error) {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("No hay usuarios admin. Creando el primero.")
	prompt := "Usuario admin: "
	if defaultUsername != "" {
		prompt = fmt.Sprintf("Usuario admin [%s]: ", defaultUsername)
	}
	fmt.Print(prompt)
	username, err = reader.ReadString('\n')
	if err != nil {
		return "", "", err
	}
	username = strings.TrimSpace(username)
	if username == "" {
		username = defaultUsername
	}
	if username == "" {
		return "", "", fmt.Errorf("el usuario no puede estar vacío")
	}

	fmt.Printf("Password (mínimo %d caracteres): ", minPasswordLen)
	pw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return "", "", err
	}
	fmt.Print("Confirmar password: ")
	confirm, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return "", "", err
	}
	if string(pw) != string(confirm) {
		return "", "", fmt.Errorf("los passwords no coinciden")
	}
	return username, string(pw), nil
}
