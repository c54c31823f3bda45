package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/yourorg/memberstore/internal/codec"
	"github.com/yourorg/memberstore/internal/domain"
	"github.com/yourorg/memberstore/internal/infrastructure/logger"
	"github.com/yourorg/memberstore/internal/scope"
	"github.com/yourorg/memberstore/internal/security/audit"
	"github.com/yourorg/memberstore/internal/store"
	"github.com/yourorg/memberstore/pkg/config"
	"github.com/yourorg/memberstore/pkg/database"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	args := os.Args[2:]

	switch command {
	case "user":
		handleUser(args)
	case "role":
		handleRole(args)
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

// stores connects to the database and assembles both stores against the
// configured application scope.
func stores() (*store.CredentialStore, *store.RoleStore, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, err
	}
	log := logger.NewLogger("error")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := database.NewConnectionPool(ctx, &cfg.Database, log)
	if err != nil {
		return nil, nil, nil, err
	}

	var cipher codec.Cipher
	if len(cfg.Policy.EncryptionKey) > 0 {
		cipher, err = codec.NewAESGCMCipher(cfg.Policy.EncryptionKey)
		if err != nil {
			pool.Close()
			return nil, nil, nil, err
		}
	}
	cdc, err := codec.New(codec.SHA3Hasher{}, cipher)
	if err != nil {
		pool.Close()
		return nil, nil, nil, err
	}

	tenantRepo := store.NewPostgresTenantRepository(pool.GetDB(), log)
	resolver := scope.NewResolver(tenantRepo, nil, time.Hour, log)
	auditLogger := audit.NewLogger(log)

	credentials, err := store.NewCredentialStore(pool.GetDB(), cfg, cdc, resolver, auditLogger, log)
	if err != nil {
		pool.Close()
		return nil, nil, nil, err
	}
	roles := store.NewRoleStore(pool.GetDB(), cfg, resolver, auditLogger, log)

	return credentials, roles, func() { pool.Close() }, nil
}

func handleUser(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: memberstore user <create|validate|unlock|delete|list|find|online>")
		return
	}

	subCmd := args[0]
	switch subCmd {
	case "create":
		createUser(args[1:])
	case "validate":
		validateUser(args[1:])
	case "unlock":
		unlockUser(args[1:])
	case "delete":
		deleteUser(args[1:])
	case "list":
		listUsers(args[1:])
	case "find":
		findUsers(args[1:])
	case "online":
		usersOnline()
	default:
		fmt.Printf("unknown user command: %s\n", subCmd)
	}
}

func handleRole(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: memberstore role <create|delete|list|grant|revoke|members>")
		return
	}

	subCmd := args[0]
	switch subCmd {
	case "create":
		createRole(args[1:])
	case "delete":
		deleteRole(args[1:])
	case "list":
		listRoles()
	case "grant":
		grantRoles(args[1:])
	case "revoke":
		revokeRoles(args[1:])
	case "members":
		roleMembers(args[1:])
	default:
		fmt.Printf("unknown role command: %s\n", subCmd)
	}
}

// User commands

func createUser(args []string) {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	username := fs.String("username", "", "user name")
	password := fs.String("password", "", "password")
	email := fs.String("email", "", "email address")
	question := fs.String("question", "", "password question (optional)")
	answer := fs.String("answer", "", "password answer (optional)")
	approved := fs.Bool("approved", true, "create the user approved")

	fs.Parse(args)

	if *username == "" || *password == "" {
		fmt.Println("Error: username and password are required")
		fs.PrintDefaults()
		return
	}

	credentials, _, closeFn, err := stores()
	if err != nil {
		fail(err)
	}
	defer closeFn()

	user, status, err := credentials.CreateUser(context.Background(),
		*username, *password, *email, *question, *answer, *approved, "")
	if err != nil {
		fail(err)
	}
	if status != domain.CreateSuccess {
		fmt.Printf("✗ Create failed: %s\n", status)
		os.Exit(1)
	}
	fmt.Printf("✓ User created: %s (%s)\n", user.UserName, user.ID)
}

func validateUser(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	username := fs.String("username", "", "user name")
	password := fs.String("password", "", "password")

	fs.Parse(args)

	if *username == "" || *password == "" {
		fmt.Println("Error: username and password are required")
		return
	}

	credentials, _, closeFn, err := stores()
	if err != nil {
		fail(err)
	}
	defer closeFn()

	ok, err := credentials.ValidateUser(context.Background(), *username, *password)
	if err != nil {
		fail(err)
	}
	if ok {
		fmt.Println("✓ Credentials valid")
	} else {
		fmt.Println("✗ Credentials invalid")
		os.Exit(1)
	}
}

func unlockUser(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: memberstore user unlock <username>")
		return
	}

	credentials, _, closeFn, err := stores()
	if err != nil {
		fail(err)
	}
	defer closeFn()

	unlocked, err := credentials.UnlockUser(context.Background(), args[0])
	if err != nil {
		fail(err)
	}
	if unlocked {
		fmt.Printf("✓ User unlocked: %s\n", args[0])
	} else {
		fmt.Printf("✗ No such user: %s\n", args[0])
		os.Exit(1)
	}
}

func deleteUser(args []string) {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	cascade := fs.Bool("cascade", true, "also remove role memberships")

	fs.Parse(args)
	if fs.NArg() < 1 {
		fmt.Println("Usage: memberstore user delete [-cascade=false] <username>")
		return
	}

	credentials, _, closeFn, err := stores()
	if err != nil {
		fail(err)
	}
	defer closeFn()

	deleted, err := credentials.DeleteUser(context.Background(), fs.Arg(0), *cascade)
	if err != nil {
		fail(err)
	}
	if deleted {
		fmt.Printf("✓ User deleted: %s\n", fs.Arg(0))
	} else {
		fmt.Printf("✗ No such user: %s\n", fs.Arg(0))
		os.Exit(1)
	}
}

func listUsers(args []string) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	page := fs.Int("page", 0, "page index")
	size := fs.Int("size", 25, "page size")

	fs.Parse(args)

	credentials, _, closeFn, err := stores()
	if err != nil {
		fail(err)
	}
	defer closeFn()

	users, total, err := credentials.GetAllUsers(context.Background(), *page, *size)
	if err != nil {
		fail(err)
	}
	printUsers(users)
	fmt.Printf("%d of %d users (page %d)\n", len(users), total, *page)
}

func findUsers(args []string) {
	fs := flag.NewFlagSet("find", flag.ExitOnError)
	name := fs.String("name", "", "user name fragment")
	email := fs.String("email", "", "email fragment")
	page := fs.Int("page", 0, "page index")
	size := fs.Int("size", 25, "page size")

	fs.Parse(args)

	credentials, _, closeFn, err := stores()
	if err != nil {
		fail(err)
	}
	defer closeFn()

	var users []*domain.MembershipUser
	var total int
	switch {
	case *name != "":
		users, total, err = credentials.FindUsersByName(context.Background(), *name, *page, *size)
	case *email != "":
		users, total, err = credentials.FindUsersByEmail(context.Background(), *email, *page, *size)
	default:
		fmt.Println("Error: either -name or -email is required")
		return
	}
	if err != nil {
		fail(err)
	}
	printUsers(users)
	fmt.Printf("%d of %d matches (page %d)\n", len(users), total, *page)
}

func usersOnline() {
	credentials, _, closeFn, err := stores()
	if err != nil {
		fail(err)
	}
	defer closeFn()

	n, err := credentials.GetNumberOfUsersOnline(context.Background())
	if err != nil {
		fail(err)
	}
	fmt.Printf("%d users online\n", n)
}

// Role commands

func createRole(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: memberstore role create <name>")
		return
	}

	_, roles, closeFn, err := stores()
	if err != nil {
		fail(err)
	}
	defer closeFn()

	if err := roles.CreateRole(context.Background(), args[0]); err != nil {
		fail(err)
	}
	fmt.Printf("✓ Role created: %s\n", args[0])
}

func deleteRole(args []string) {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	force := fs.Bool("force", false, "delete even when the role has members")

	fs.Parse(args)
	if fs.NArg() < 1 {
		fmt.Println("Usage: memberstore role delete [-force] <name>")
		return
	}

	_, roles, closeFn, err := stores()
	if err != nil {
		fail(err)
	}
	defer closeFn()

	if _, err := roles.DeleteRole(context.Background(), fs.Arg(0), !*force); err != nil {
		fail(err)
	}
	fmt.Printf("✓ Role deleted: %s\n", fs.Arg(0))
}

func listRoles() {
	_, roles, closeFn, err := stores()
	if err != nil {
		fail(err)
	}
	defer closeFn()

	names, err := roles.GetAllRoles(context.Background())
	if err != nil {
		fail(err)
	}
	for _, name := range names {
		fmt.Println(name)
	}
}

func grantRoles(args []string) {
	users, roleNames, ok := splitMembershipArgs(args, "grant")
	if !ok {
		return
	}

	_, roles, closeFn, err := stores()
	if err != nil {
		fail(err)
	}
	defer closeFn()

	if err := roles.AddUsersToRoles(context.Background(), users, roleNames); err != nil {
		fail(err)
	}
	fmt.Printf("✓ Granted %s to %s\n", strings.Join(roleNames, ", "), strings.Join(users, ", "))
}

func revokeRoles(args []string) {
	users, roleNames, ok := splitMembershipArgs(args, "revoke")
	if !ok {
		return
	}

	_, roles, closeFn, err := stores()
	if err != nil {
		fail(err)
	}
	defer closeFn()

	if err := roles.RemoveUsersFromRoles(context.Background(), users, roleNames); err != nil {
		fail(err)
	}
	fmt.Printf("✓ Revoked %s from %s\n", strings.Join(roleNames, ", "), strings.Join(users, ", "))
}

func roleMembers(args []string) {
	fs := flag.NewFlagSet("members", flag.ExitOnError)
	match := fs.String("match", "", "user name fragment (optional)")

	fs.Parse(args)
	if fs.NArg() < 1 {
		fmt.Println("Usage: memberstore role members [-match fragment] <name>")
		return
	}

	_, roles, closeFn, err := stores()
	if err != nil {
		fail(err)
	}
	defer closeFn()

	var members []string
	if *match != "" {
		members, err = roles.FindUsersInRole(context.Background(), fs.Arg(0), *match)
	} else {
		members, err = roles.GetUsersInRole(context.Background(), fs.Arg(0))
	}
	if err != nil {
		fail(err)
	}
	for _, m := range members {
		fmt.Println(m)
	}
}

// Helper functions

func splitMembershipArgs(args []string, verb string) (users, roles []string, ok bool) {
	fs := flag.NewFlagSet(verb, flag.ExitOnError)
	userList := fs.String("users", "", "user names, semicolon separated")
	roleList := fs.String("roles", "", "role names, semicolon separated")

	fs.Parse(args)

	if *userList == "" || *roleList == "" {
		fmt.Printf("Usage: memberstore role %s -users a;b -roles x;y\n", verb)
		return nil, nil, false
	}
	return strings.Split(*userList, ";"), strings.Split(*roleList, ";"), true
}

func printUsers(users []*domain.MembershipUser) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tEMAIL\tAPPROVED\tLOCKED\tLAST ACTIVITY")
	for _, u := range users {
		fmt.Fprintf(w, "%s\t%s\t%t\t%t\t%s\n",
			u.UserName, u.Email, u.IsApproved, u.IsLockedOut,
			u.LastActivityAt.Format(time.RFC3339))
	}
	w.Flush()
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

func printUsage() {
	fmt.Print(`Memberstore CLI

Usage:
  memberstore <command> [options]

Commands:
  user  User operations (create, validate, unlock, delete, list, find, online)
  role  Role operations (create, delete, list, grant, revoke, members)
  help  Show this help message

Configuration is read from the environment (and a .env file when present):
database via DB_*, the tenant via APPLICATION_NAME, policy via the
PASSWORD_* and related variables.

Examples:
  memberstore user create -username alice -password 'S3cret!pass' -email alice@example.com
  memberstore user validate -username alice -password 'S3cret!pass'
  memberstore role create admins
  memberstore role grant -users 'alice;bob' -roles admins
`)
}
